package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchCoin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/coins/"+testMint, r.URL.Path)
		_, _ = w.Write([]byte(`{
			"mint": "` + testMint + `",
			"name": " Test Coin ",
			"symbol": "TST",
			"image_uri": "https://img/1.png",
			"metadata_uri": "https://ipfs.io/ipfs/Qm1",
			"twitter": "https://x.com/tst",
			"bonding_curve": "curve",
			"created_timestamp": 1714564800000,
			"king_of_the_hill_timestamp": 1714564900000,
			"complete": false
		}`))
	}))
	defer srv.Close()

	coin, err := NewClient(ClientOptions{APIURL: srv.URL}).FetchCoin(context.Background(), testMint)
	require.NoError(t, err)

	id := coin.Identity
	assert.Equal(t, "Test Coin", id.Name)
	assert.Equal(t, "TST", id.Symbol)
	assert.Equal(t, "https://img/1.png", id.ImageURI)
	assert.Equal(t, "https://ipfs.io/ipfs/Qm1", id.MetadataURI)
	assert.Equal(t, int64(1714564800000), id.CreatedTimestamp)
	assert.Equal(t, int64(1714564900000), id.KingOfTheHillTimestamp)
	require.NotNil(t, id.Complete)
	assert.False(t, *id.Complete)
}

func TestClient_FetchCoinStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(ClientOptions{APIURL: srv.URL}).FetchCoin(context.Background(), testMint)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.True(t, IsThrottled(err))
}

func TestClient_FetchDocumentFallsBackAcrossGateways(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ipfs/QmDoc", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"Doc","image":"https://img/doc.png","extensions":{"website":"https://site"}}`))
	}))
	defer good.Close()

	c := NewClient(ClientOptions{Gateways: []string{bad.URL, good.URL}})
	doc, err := c.FetchDocument(context.Background(), "ipfs://QmDoc")
	require.NoError(t, err)

	assert.Equal(t, int32(1), badHits.Load())
	assert.Equal(t, "Doc", doc.Name)
	assert.Equal(t, "https://img/doc.png", doc.Image)
	assert.Equal(t, "https://site", doc.Website)
}

func TestClient_FetchDocumentAllGatewaysFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	_, err := NewClient(ClientOptions{Gateways: []string{bad.URL}}).FetchDocument(context.Background(), "ipfs://QmDoc")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestGatewayURLs(t *testing.T) {
	gateways := []string{"https://ipfs.io", "https://gw.example/"}

	assert.Equal(t, []string{
		"https://ipfs.io/ipfs/Qm1",
		"https://gw.example/ipfs/Qm1",
	}, GatewayURLs("ipfs://Qm1", gateways))

	assert.Equal(t, []string{
		"https://cf.example/ipfs/Qm2/meta.json",
		"https://ipfs.io/ipfs/Qm2/meta.json",
		"https://gw.example/ipfs/Qm2/meta.json",
	}, GatewayURLs("https://cf.example/ipfs/Qm2/meta.json", gateways))

	assert.Equal(t, []string{"https://ipfs.io/ipfs/Qm3"}, GatewayURLs("https://ipfs.io/ipfs/Qm3", gateways[:1]))
	assert.Equal(t, []string{"https://arweave.net/abc"}, GatewayURLs("https://arweave.net/abc", gateways))
	assert.Nil(t, GatewayURLs("", gateways))
	assert.Nil(t, GatewayURLs("ftp://x", gateways))
}
