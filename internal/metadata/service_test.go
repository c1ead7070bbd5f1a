package metadata

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/storage/memory"
)

const (
	testMint  = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	otherMint = "So11111111111111111111111111111111111111112"
)

// fakeProvider serves canned coins and documents and counts calls.
type fakeProvider struct {
	mu        sync.Mutex
	coins     map[string]*Coin
	docs      map[string]*Document
	coinErr   error
	coinCalls atomic.Int32
	docCalls  atomic.Int32

	started chan struct{} // receives once per FetchCoin when set
	release chan struct{} // FetchCoin blocks on it when set
}

func (f *fakeProvider) FetchCoin(ctx context.Context, mint string) (*Coin, error) {
	f.coinCalls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coinErr != nil {
		return nil, f.coinErr
	}
	if c, ok := f.coins[mint]; ok {
		return c, nil
	}
	return nil, &StatusError{StatusCode: http.StatusNotFound, URL: "/coins/" + mint}
}

func (f *fakeProvider) FetchDocument(ctx context.Context, uri string) (*Document, error) {
	f.docCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[uri]; ok {
		return d, nil
	}
	return nil, ErrNoGateway
}

type denyLock struct{}

func (denyLock) TryLock(context.Context) (func(), bool) { return func() {}, false }

func newTokenStore(t *testing.T, tokens ...*domain.Token) *memory.TokenStore {
	t.Helper()
	store := memory.NewTokenStore()
	_, err := store.InsertIgnore(context.Background(), tokens)
	require.NoError(t, err)
	return store
}

func newService(tokens *memory.TokenStore, p Provider, opts Options) *Service {
	opts.Tokens = tokens
	opts.Provider = p
	opts.Spacer = NewSpacer(0, 0, time.Millisecond)
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func TestService_RetryBudget(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{coinErr: &StatusError{StatusCode: http.StatusInternalServerError, URL: "x"}}
	jobs := NewMemoryJobStore()
	svc := newService(tokens, p, Options{Jobs: jobs, MaxAttempts: 3})

	added, err := svc.Add(ctx, testMint)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	var exhausted int
	for i := 0; i < 10; i++ {
		stats, err := svc.RunOnce(ctx)
		require.NoError(t, err)
		exhausted += stats.Exhausted
	}

	assert.Equal(t, int32(3), p.coinCalls.Load())
	assert.Equal(t, 1, exhausted)

	n, err := jobs.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A fresh service sharing the store still refuses the mint.
	again := newService(tokens, p, Options{Jobs: jobs, MaxAttempts: 3})
	added, err = again.Add(ctx, testMint)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestService_SingleFlight(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{
		coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{
			ImageURI: "https://img/1.png", MetadataURI: "https://meta/1.json",
		}}},
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	svc := newService(tokens, p, Options{})
	job := domain.MetadataJob{Mint: testMint}

	results := make(chan Outcome, 2)
	go func() {
		o, _ := svc.Trigger(ctx, job)
		results <- o
	}()
	<-p.started

	go func() {
		o, _ := svc.Trigger(ctx, job)
		results <- o
	}()
	time.Sleep(50 * time.Millisecond)
	close(p.release)

	assert.Equal(t, OutcomeResolved, <-results)
	assert.Equal(t, OutcomeResolved, <-results)
	assert.Equal(t, int32(1), p.coinCalls.Load())
}

func TestService_MergeNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint, Identity: domain.TokenIdentity{
		Name:    "Mine",
		Symbol:  "MINE",
		Twitter: "https://x.com/mine",
	}})
	yes := true
	p := &fakeProvider{coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{
		Name:        "Theirs",
		Symbol:      "THEIRS",
		Twitter:     "https://x.com/theirs",
		Telegram:    "https://t.me/theirs",
		ImageURI:    "https://img/1.png",
		MetadataURI: "https://meta/1.json",
		Complete:    &yes,
	}}}}
	cache := NewIdentityCache(10, time.Minute)
	var resolved []string
	svc := newService(tokens, p, Options{Cache: cache, OnResolved: func(m string) { resolved = append(resolved, m) }})

	outcome, err := svc.Trigger(ctx, domain.MetadataJob{Mint: testMint})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	token, err := tokens.GetByMint(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, "Mine", token.Identity.Name)
	assert.Equal(t, "MINE", token.Identity.Symbol)
	assert.Equal(t, "https://x.com/mine", token.Identity.Twitter)
	assert.Equal(t, "https://t.me/theirs", token.Identity.Telegram)
	assert.Equal(t, "https://img/1.png", token.Identity.ImageURI)
	assert.NotEmpty(t, token.Identity.BondingCurve)
	assert.NotEmpty(t, token.Identity.AssociatedBondingCurve)
	assert.True(t, token.Completed)

	cached, ok := cache.Lookup(testMint)
	require.True(t, ok)
	assert.Equal(t, "Mine", cached.Name)
	assert.Equal(t, []string{testMint}, resolved)
	assert.Zero(t, p.docCalls.Load())
}

func TestService_FetchesDocumentWhenImageMissing(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{
		coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{MetadataURI: "ipfs://Qm1"}}},
		docs:  map[string]*Document{"ipfs://Qm1": {Image: "https://img/doc.png", Website: "https://site"}},
	}
	svc := newService(tokens, p, Options{})

	outcome, err := svc.Trigger(ctx, domain.MetadataJob{Mint: testMint})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)
	assert.Equal(t, int32(1), p.docCalls.Load())

	token, err := tokens.GetByMint(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, "https://img/doc.png", token.Identity.ImageURI)
	assert.Equal(t, "https://site", token.Identity.Website)
}

func TestService_DocumentFailureRetries(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{
		coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{MetadataURI: "ipfs://missing", Name: "Coin"}}},
	}
	jobs := NewMemoryJobStore()
	svc := newService(tokens, p, Options{Jobs: jobs})
	_, err := svc.Add(ctx, testMint)
	require.NoError(t, err)

	stats, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	pending, err := jobs.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	// Partial progress is kept.
	token, err := tokens.GetByMint(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://missing", token.Identity.MetadataURI)
	assert.Equal(t, "Coin", token.Identity.Name)
}

func TestService_ProviderHasNoMetadata(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{Name: "Bare"}}}}
	jobs := NewMemoryJobStore()
	svc := newService(tokens, p, Options{Jobs: jobs})
	_, err := svc.Add(ctx, testMint)
	require.NoError(t, err)

	stats, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	// Seeding finds the mint again (still no media) but it is not requeued.
	added, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestService_SeedQueuesMissingMedia(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t,
		&domain.Token{Mint: testMint},
		&domain.Token{Mint: otherMint, Identity: domain.TokenIdentity{ImageURI: "i", MetadataURI: "m"}},
	)
	jobs := NewMemoryJobStore()
	svc := newService(tokens, &fakeProvider{}, Options{Jobs: jobs})

	added, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	pending, err := jobs.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, testMint, pending[0].Mint)
}

func TestService_LockedTickSkips(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{}
	svc := newService(tokens, p, Options{Lock: denyLock{}})
	_, err := svc.Add(ctx, testMint)
	require.NoError(t, err)

	stats, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Zero(t, p.coinCalls.Load())
}

func TestService_ThrottledResponsesWidenSpacing(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{coinErr: &StatusError{StatusCode: http.StatusTooManyRequests, URL: "x"}}
	spacer := NewSpacer(0, time.Second, 10*time.Millisecond)
	svc := New(Options{Tokens: tokens, Provider: p, Spacer: spacer, MaxAttempts: 10, Logger: zerolog.Nop()})

	_, err := svc.Trigger(ctx, domain.MetadataJob{Mint: testMint})
	require.Error(t, err)
	assert.Equal(t, 10*time.Millisecond, spacer.Delay())
}

func TestService_EnqueueIsIdempotent(t *testing.T) {
	jobs := NewMemoryJobStore()
	svc := newService(newTokenStore(t), &fakeProvider{}, Options{Jobs: jobs})

	svc.Enqueue(testMint, testMint, otherMint)
	svc.Enqueue(testMint)

	n, err := jobs.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIsThrottled(t *testing.T) {
	assert.True(t, IsThrottled(&StatusError{StatusCode: 429}))
	assert.True(t, IsThrottled(&StatusError{StatusCode: 503}))
	assert.False(t, IsThrottled(&StatusError{StatusCode: 404}))
	assert.False(t, IsThrottled(errors.New("dial tcp: refused")))
}

func TestService_CachedIdentityLeavesCompleteUnknown(t *testing.T) {
	ctx := context.Background()
	yes := true
	tokens := newTokenStore(t, &domain.Token{Mint: testMint, Completed: true, Identity: domain.TokenIdentity{
		ImageURI:    "https://img/1.png",
		MetadataURI: "https://meta/1.json",
		Complete:    &yes,
	}})
	p := &fakeProvider{}
	cache := NewIdentityCache(10, time.Minute)
	svc := newService(tokens, p, Options{Cache: cache})

	outcome, err := svc.Trigger(ctx, domain.MetadataJob{Mint: testMint})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)
	assert.Zero(t, p.coinCalls.Load())

	cached, ok := cache.Lookup(testMint)
	require.True(t, ok)
	assert.Nil(t, cached.Complete, "stored completed flag must not be cached as authoritative")
}

func TestService_TrackedMintsExpireAfterSeedWindow(t *testing.T) {
	ctx := context.Background()
	tokens := newTokenStore(t, &domain.Token{Mint: testMint})
	p := &fakeProvider{coins: map[string]*Coin{testMint: {Identity: domain.TokenIdentity{Name: "Bare"}}}}
	clock := time.Now()
	svc := newService(tokens, p, Options{
		Jobs:       NewMemoryJobStore(),
		SeedWindow: time.Hour,
		Now:        func() time.Time { return clock },
	})

	_, err := svc.Add(ctx, testMint)
	require.NoError(t, err)
	stats, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, svc.trackedLen())

	added, err := svc.Seed(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 1, svc.trackedLen())

	clock = clock.Add(2 * time.Hour)
	added, err = svc.Seed(ctx)
	require.NoError(t, err)
	assert.Zero(t, added, "token is outside the seed window")
	assert.Zero(t, svc.trackedLen())
}
