// Package decode turns raw feed payloads into trade events.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pumpfeed/internal/domain"
	"pumpfeed/internal/observability"
	"pumpfeed/internal/solana"
)

// maxQuoteLayers bounds how many JSON string layers are peeled off.
const maxQuoteLayers = 4

// maxTruncations bounds the closing-brace prefixes tried on a broken payload.
const maxTruncations = 8

// sampleLen is how much of a failed payload is logged.
const sampleLen = 160

var (
	errEmpty      = errors.New("empty payload")
	errNotJSON    = errors.New("payload is not a JSON object")
	errIncomplete = errors.New("missing required trade fields")
)

// Decoder decodes payloads using, in order: JSON string unquoting, base64,
// escaped-quote unescaping, plain JSON parsing, and truncation to the last
// closing brace. It never panics and never returns an error to the caller.
type Decoder struct {
	log zerolog.Logger
}

// NewDecoder creates a Decoder that logs dropped payloads to log.
func NewDecoder(log zerolog.Logger) *Decoder {
	return &Decoder{log: log.With().Str("component", "decoder").Logger()}
}

// Decode returns the trade carried by payload, or false if none could be recovered.
func (d *Decoder) Decode(payload []byte) (*domain.DecodedTrade, bool) {
	trade, strategy, err := Decode(payload)
	if err != nil {
		observability.RecordDecodeFailure()
		d.log.Debug().
			Err(err).
			Int("size", len(payload)).
			Str("sample", sample(payload)).
			Msg("dropping undecodable payload")
		return nil, false
	}
	observability.RecordDecoded(strategy)
	return trade, true
}

// Decode is the pure decoding pipeline. It reports which strategy produced
// the JSON object: "direct", "unquoted", "base64", "unescaped" or "truncated".
func Decode(payload []byte) (*domain.DecodedTrade, string, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, "", errEmpty
	}

	strategy := "direct"

	// (a) peel JSON string layers
	if unquoted, n := unquote(text); n > 0 {
		text = unquoted
		strategy = "unquoted"
	}

	// (b) base64
	if looksBase64(text) {
		if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
			text = strings.TrimSpace(string(raw))
			if unquoted, n := unquote(text); n > 0 {
				text = unquoted
			}
			strategy = "base64"
		}
	}

	// (d) parse, after (c) unescaping if the direct parse fails
	w, err := parseObject(text)
	unescaped := ""
	if err != nil && strings.Contains(text, `\"`) {
		unescaped = strings.ReplaceAll(text, `\"`, `"`)
		if w, err = parseObject(unescaped); err == nil {
			strategy = "unescaped"
		}
	}

	// (e) truncate to the last closing brace, on the unescaped text first
	if err != nil && unescaped != "" {
		if w, err = parseTruncated(unescaped); err == nil {
			strategy = "truncated"
		}
	}
	if err != nil {
		if w, err = parseTruncated(text); err != nil {
			return nil, "", err
		}
		strategy = "truncated"
	}

	trade := w.resolve()
	stripNUL(trade)
	if err := validate(trade); err != nil {
		return nil, "", err
	}
	return trade, strategy, nil
}

// unquote repeatedly parses text as a JSON string literal.
// Returns the result and how many layers were removed.
func unquote(text string) (string, int) {
	n := 0
	for n < maxQuoteLayers && len(text) >= 2 && text[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			break
		}
		text = strings.TrimSpace(inner)
		n++
	}
	return text, n
}

// looksBase64 reports whether s is plausibly standard base64: length a
// multiple of 4 and only alphabet characters with at most two trailing '='.
func looksBase64(s string) bool {
	if len(s) < 8 || len(s)%4 != 0 {
		return false
	}
	body := strings.TrimRight(s, "=")
	if len(s)-len(body) > 2 {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		default:
			return false
		}
	}
	return true
}

func parseObject(text string) (*wirePayload, error) {
	if !strings.HasPrefix(text, "{") {
		return nil, errNotJSON
	}
	var w wirePayload
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &w, nil
}

// parseTruncated retries with every prefix ending in '}', longest first.
func parseTruncated(text string) (*wirePayload, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errNotJSON
	}
	b := []byte(text[start:])

	var lastErr error = errNotJSON
	tries := 0
	for end := bytes.LastIndexByte(b, '}'); end > 0 && tries < maxTruncations; end = bytes.LastIndexByte(b[:end], '}') {
		tries++
		w, err := parseObject(string(b[:end+1]))
		if err == nil {
			return w, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func validate(t *domain.DecodedTrade) error {
	if t.Signature == "" || t.Mint == "" || !t.Side.IsValid() {
		return errIncomplete
	}
	if strings.IndexByte(t.Signature, 0) >= 0 {
		return fmt.Errorf("signature contains NUL byte")
	}
	if !solana.IsValidAddress(t.Mint) {
		return fmt.Errorf("invalid mint address %q", t.Mint)
	}
	if t.Trader != "" && !solana.IsValidAddress(t.Trader) {
		return fmt.Errorf("invalid trader address %q", t.Trader)
	}
	return nil
}

// stripNUL removes NUL bytes from free-text fields; Postgres TEXT rejects them.
// Identifiers are left alone for validate to refuse.
func stripNUL(t *domain.DecodedTrade) {
	clean := func(s *string) {
		if strings.IndexByte(*s, 0) >= 0 {
			*s = strings.ReplaceAll(*s, "\x00", "")
		}
	}
	clean(&t.Timestamp)
	clean(&t.Program)
	if c := t.Coin; c != nil {
		clean(&c.Name)
		clean(&c.Symbol)
		clean(&c.MetadataURI)
		clean(&c.BondingCurve)
		clean(&c.AssociatedBondingCurve)
		clean(&c.Creator)
	}
}

func sample(b []byte) string {
	if len(b) > sampleLen {
		return string(b[:sampleLen]) + "..."
	}
	return string(b)
}
