package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pumpfeed/internal/domain"
)

// Provider endpoints.
const (
	DefaultAPIURL = "https://frontend-api-v3.pump.fun"
	maxBodySize   = 1 << 20
)

// DefaultGateways are the content-addressed gateways tried for metadata documents.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://cloudflare-ipfs.com",
	"https://gateway.pinata.cloud",
}

// ErrNoGateway is returned when a metadata URI cannot be fetched from any gateway.
var ErrNoGateway = errors.New("metadata document unavailable on all gateways")

// StatusError is a non-200 response from an upstream.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
}

// Throttled reports whether the upstream asked us to slow down.
func (e *StatusError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsThrottled reports whether err carries a rate-limit or server error status.
func IsThrottled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Throttled()
}

// Coin is the identity API's view of a mint.
type Coin struct {
	Identity domain.TokenIdentity
}

// Document is the off-chain metadata JSON a metadata URI points at.
type Document struct {
	Name        string
	Symbol      string
	Description string
	Image       string
	Twitter     string
	Telegram    string
	Website     string
}

// Identity returns the document's fields as a token identity.
func (d *Document) Identity() domain.TokenIdentity {
	return domain.TokenIdentity{
		Name:        d.Name,
		Symbol:      d.Symbol,
		Description: d.Description,
		ImageURI:    d.Image,
		Twitter:     d.Twitter,
		Telegram:    d.Telegram,
		Website:     d.Website,
	}
}

// Provider fetches identity data for mints.
type Provider interface {
	FetchCoin(ctx context.Context, mint string) (*Coin, error)
	FetchDocument(ctx context.Context, uri string) (*Document, error)
}

// ClientOptions contains configuration for creating a Client.
type ClientOptions struct {
	APIURL     string
	Gateways   []string
	HTTPClient *http.Client
	UserAgent  string
}

// Client is the HTTP Provider for the identity API and metadata gateways.
type Client struct {
	apiURL     string
	gateways   []string
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a new metadata client.
func NewClient(opts ClientOptions) *Client {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if len(opts.Gateways) == 0 {
		opts.Gateways = DefaultGateways
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pumpfeed/1.0"
	}
	return &Client{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		gateways:   opts.Gateways,
		httpClient: opts.HTTPClient,
		userAgent:  opts.UserAgent,
	}
}

type coinResponse struct {
	Mint                   string `json:"mint"`
	Name                   string `json:"name"`
	Symbol                 string `json:"symbol"`
	Description            string `json:"description"`
	ImageURI               string `json:"image_uri"`
	MetadataURI            string `json:"metadata_uri"`
	Twitter                string `json:"twitter"`
	Telegram               string `json:"telegram"`
	Website                string `json:"website"`
	Creator                string `json:"creator"`
	BondingCurve           string `json:"bonding_curve"`
	AssociatedBondingCurve string `json:"associated_bonding_curve"`
	CreatedTimestamp       int64  `json:"created_timestamp"`
	KingOfTheHillTimestamp int64  `json:"king_of_the_hill_timestamp"`
	Complete               *bool  `json:"complete"`
}

// FetchCoin calls GET {api}/coins/{mint}.
func (c *Client) FetchCoin(ctx context.Context, mint string) (*Coin, error) {
	body, err := c.get(ctx, c.apiURL+"/coins/"+url.PathEscape(mint))
	if err != nil {
		return nil, err
	}

	var resp coinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode coin %s: %w", mint, err)
	}
	if resp.Mint != "" && resp.Mint != mint {
		return nil, fmt.Errorf("coin response for %s carries mint %s", mint, resp.Mint)
	}

	return &Coin{Identity: domain.TokenIdentity{
		Symbol:                 strings.TrimSpace(resp.Symbol),
		Name:                   strings.TrimSpace(resp.Name),
		ImageURI:               resp.ImageURI,
		MetadataURI:            resp.MetadataURI,
		Description:            resp.Description,
		Twitter:                resp.Twitter,
		Telegram:               resp.Telegram,
		Website:                resp.Website,
		CreatorAddress:         resp.Creator,
		BondingCurve:           resp.BondingCurve,
		AssociatedBondingCurve: resp.AssociatedBondingCurve,
		CreatedTimestamp:       resp.CreatedTimestamp,
		KingOfTheHillTimestamp: resp.KingOfTheHillTimestamp,
		Complete:               resp.Complete,
	}}, nil
}

type documentResponse struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Twitter     string `json:"twitter"`
	Telegram    string `json:"telegram"`
	Website     string `json:"website"`
	Extensions  struct {
		Twitter  string `json:"twitter"`
		Telegram string `json:"telegram"`
		Website  string `json:"website"`
	} `json:"extensions"`
}

// FetchDocument fetches a metadata document, trying each gateway in order.
// The last error is returned when every URL fails.
func (c *Client) FetchDocument(ctx context.Context, uri string) (*Document, error) {
	urls := GatewayURLs(uri, c.gateways)
	if len(urls) == 0 {
		return nil, fmt.Errorf("unsupported metadata uri %q", uri)
	}

	lastErr := ErrNoGateway
	for _, u := range urls {
		body, err := c.get(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		var resp documentResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = fmt.Errorf("decode document from %s: %w", u, err)
			continue
		}
		return &Document{
			Name:        strings.TrimSpace(resp.Name),
			Symbol:      strings.TrimSpace(resp.Symbol),
			Description: resp.Description,
			Image:       resp.Image,
			Twitter:     firstNonEmpty(resp.Twitter, resp.Extensions.Twitter),
			Telegram:    firstNonEmpty(resp.Telegram, resp.Extensions.Telegram),
			Website:     firstNonEmpty(resp.Website, resp.Extensions.Website),
		}, nil
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: u}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}

// GatewayURLs expands a metadata URI into the URLs to try. IPFS URIs (ipfs://
// or any URL with an /ipfs/ path) yield the original HTTP URL first, then the
// same content path on every gateway. Other HTTP URIs are returned as-is.
func GatewayURLs(uri string, gateways []string) []string {
	uri = strings.TrimSpace(uri)
	var (
		contentPath string
		urls        []string
	)
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		contentPath = strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		urls = append(urls, uri)
		if i := strings.Index(uri, "/ipfs/"); i >= 0 {
			contentPath = uri[i+len("/ipfs/"):]
		}
	default:
		return nil
	}
	if contentPath == "" {
		return urls
	}

	seen := make(map[string]struct{}, len(gateways)+1)
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	for _, g := range gateways {
		u := strings.TrimRight(g, "/") + "/ipfs/" + contentPath
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
