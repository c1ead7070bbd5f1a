// Package publish forwards persisted trades to an AMQP exchange.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"pumpfeed/internal/domain"
)

// DefaultExchange is the topic exchange trades are published to.
const DefaultExchange = "pumpfeed.trades"

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a connection and a channel with the exchange declared.
type dialer func(url, exchange string) (session, error)

type session struct {
	conn *amqp.Connection
	ch   channel
}

// Options contains configuration for creating a Publisher.
type Options struct {
	URL      string
	Exchange string
	Logger   zerolog.Logger
}

// Publisher is a trade sink that publishes each trade as JSON with routing
// key "trade.<side>". The connection is opened lazily and reopened after
// a publish failure.
type Publisher struct {
	url      string
	exchange string
	dial     dialer
	log      zerolog.Logger

	mu  sync.Mutex
	cur *session
}

// New creates a Publisher. No connection is made until the first write.
func New(opts Options) *Publisher {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	return &Publisher{
		url:      opts.URL,
		exchange: opts.Exchange,
		dial:     dialAMQP,
		log:      opts.Logger.With().Str("component", "amqp").Logger(),
	}
}

// Message is the published body.
type Message struct {
	Signature    string `json:"signature"`
	Mint         string `json:"mint"`
	Trader       string `json:"trader,omitempty"`
	Side         string `json:"side"`
	Program      string `json:"program,omitempty"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	AmountSol    string `json:"amount_sol"`
	AmountUsd    string `json:"amount_usd"`
	BaseAmount   string `json:"base_amount"`
	PriceSol     string `json:"price_sol"`
	PriceUsd     string `json:"price_usd"`
	MarketCapUsd string `json:"market_cap_usd"`
	TimestampMs  int64  `json:"timestamp_ms"`
}

// NewMessage builds the published body for a trade.
func NewMessage(t *domain.PreparedTrade) Message {
	side := domain.SideSell
	if t.IsBuy {
		side = domain.SideBuy
	}
	return Message{
		Signature:    t.Signature,
		Mint:         t.Mint,
		Trader:       t.Trader,
		Side:         side.String(),
		Program:      t.Program,
		Symbol:       t.Symbol,
		Name:         t.Name,
		AmountSol:    t.AmountSol.String(),
		AmountUsd:    t.AmountUsd.String(),
		BaseAmount:   t.BaseAmountRaw.String(),
		PriceSol:     t.PriceSol.String(),
		PriceUsd:     t.PriceUsd.String(),
		MarketCapUsd: t.MarketCapUsd.String(),
		TimestampMs:  t.TimestampMs,
	}
}

// Name implements persistence.TradeSink.
func (p *Publisher) Name() string { return "amqp" }

// WriteTrades publishes every trade. On failure the connection is dropped
// and reopened on the next call.
func (p *Publisher) WriteTrades(ctx context.Context, trades []*domain.PreparedTrade) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		cur, err := p.dial(p.url, p.exchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		p.cur = &cur
		p.log.Info().Str("exchange", p.exchange).Msg("amqp connected")
	}

	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := NewMessage(t)
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode trade %s: %w", t.Signature, err)
		}
		err = p.cur.ch.Publish(p.exchange, "trade."+msg.Side, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    t.Signature,
			Timestamp:    time.UnixMilli(t.TimestampMs),
			Body:         body,
		})
		if err != nil {
			p.closeLocked()
			return fmt.Errorf("publish trade %s: %w", t.Signature, err)
		}
	}
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Publisher) closeLocked() {
	if p.cur == nil {
		return
	}
	_ = p.cur.ch.Close()
	if p.cur.conn != nil {
		_ = p.cur.conn.Close()
	}
	p.cur = nil
}

func dialAMQP(url, exchange string) (session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return session{}, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return session{}, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return session{}, fmt.Errorf("declare exchange: %w", err)
	}
	return session{conn: conn, ch: ch}, nil
}
