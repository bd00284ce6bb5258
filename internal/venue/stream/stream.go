package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/venue"
	"predmkt/pkg/exception"
)

var _ venue.QuoteSource = (*Stream)(nil)

// Config controls the websocket price stream.
type Config struct {
	URL            string
	Instruments    []string
	MaxAge         time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	return c
}

type subscribeMessage struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

type cached struct {
	quote    venue.Quote
	received time.Time
}

// Stream keeps the latest quote per instrument from a venue websocket feed.
type Stream struct {
	cfg    Config
	dialer *websocket.Dialer

	mu     sync.RWMutex
	quotes map[string]cached

	connected atomic.Bool
}

// New creates a stream. Call Run to start consuming.
func New(cfg Config) *Stream {
	return &Stream{
		cfg:    cfg.withDefaults(),
		dialer: websocket.DefaultDialer,
		quotes: make(map[string]cached),
	}
}

// Connected reports whether a websocket session is currently open.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run connects and reconnects until the context is done.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil && ctx.Err() == nil {
			logs.Warnf("venue stream disconnected, err: %+v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
			logs.Infof("venue stream reconnecting, url: %s", s.cfg.URL)
		}
	}
}

func (s *Stream) connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial venue stream")
	}
	defer conn.Close()

	s.connected.Store(true)
	defer s.connected.Store(false)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if len(s.cfg.Instruments) > 0 {
		payload, err := sonic.ConfigStd.Marshal(subscribeMessage{Op: "subscribe", Instruments: s.cfg.Instruments})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return errors.Wrap(err, "write subscribe payload").With("payload", string(payload))
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		q, err := venue.DecodeQuote(msg)
		if err != nil {
			logs.Warnf("venue stream: skip payload, err: %+v", err)
			continue
		}
		if q.Instrument == "" {
			continue
		}
		s.mu.Lock()
		s.quotes[q.Instrument] = cached{quote: q, received: time.Now()}
		s.mu.Unlock()
	}
}

// BestPrice returns the latest cached quote. Quotes older than MaxAge are
// treated like a venue timeout.
func (s *Stream) BestPrice(_ context.Context, instrument string) (venue.Quote, error) {
	s.mu.RLock()
	c, ok := s.quotes[instrument]
	s.mu.RUnlock()

	if !ok {
		return venue.Quote{}, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", instrument)
	}
	if s.cfg.MaxAge > 0 && time.Since(c.received) > s.cfg.MaxAge {
		return venue.Quote{}, errors.Wrapf(exception.ErrVenueTimeout, "stale quote, instrument %s", instrument)
	}
	return c.quote, nil
}
