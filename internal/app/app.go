// Package app wires the engine components into one running system: state
// recovery, the outbox, the trade executor, the hedge dispatcher, the odds
// synchronizer and the outward sinks.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/bus"
	"predmkt/internal/hedge"
	"predmkt/internal/obs"
	"predmkt/internal/oddsync"
	"predmkt/internal/ops"
	"predmkt/internal/outbox"
	"predmkt/internal/schema"
	"predmkt/internal/sink"
	"predmkt/internal/state"
	"predmkt/internal/store"
	"predmkt/internal/trade"
	"predmkt/internal/venue"
	"predmkt/internal/venue/rest"
	"predmkt/internal/venue/sim"
	"predmkt/internal/venue/stream"
	"predmkt/pkg/conn"
)

const (
	sinkQueueSize     = 4096
	storeQueueSize    = 4096
	exposureQueueSize = 4096
)

// Option customizes an App.
type Option func(*App)

// WithVenue replaces the configured venue client.
func WithVenue(v venue.Client) Option {
	return func(a *App) { a.Venue = v }
}

// WithRepository replaces the postgres read model.
func WithRepository(r store.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithSinks replaces the configured sinks.
func WithSinks(sinks ...sink.Sink) Option {
	return func(a *App) {
		a.sinks = sinks
		a.sinksSet = true
	}
}

// App is a wired engine.
type App struct {
	Loaded     ops.Loaded
	Metrics    *obs.Metrics
	Bus        *bus.Bus
	State      *state.Reducer
	Outbox     *outbox.Outbox
	Registry   *schema.Registry
	Venue      venue.Client
	Executor   *trade.Executor
	Dispatcher *hedge.Dispatcher
	Sync       *oddsync.Synchronizer
	Recovered  state.RecoverResult

	stream   *stream.Stream
	repo     store.Repository
	pg       *conn.Client
	sinks    []sink.Sink
	sinksSet bool
	sinkQ    *bus.Queue
	storeQ   *bus.Queue
	expQ     *bus.Queue

	// forwarding is set once the forwarder owns the sinks.
	forwarding bool
}

// New recovers state from the snapshot and the outbox, then wires every
// component. Nothing runs until Run.
func New(ctx context.Context, loaded ops.Loaded, opts ...Option) (*App, error) {
	a := &App{
		Loaded:  loaded,
		Metrics: obs.NewMetrics(),
		State:   state.NewReducer(loaded.Exposure),
	}
	a.Bus = bus.New(a.Metrics, obs.NewTraceGenerator(0))
	for _, opt := range opts {
		opt(a)
	}

	recovered, err := state.Recover(ctx, state.RecoverConfig{
		OutboxDir:    loaded.Outbox.Dir,
		SnapshotPath: loaded.SnapshotPath,
		FilePrefix:   loaded.Outbox.FilePrefix,
	}, a.State)
	if err != nil {
		return nil, errors.Wrap(err, "recover state")
	}
	a.Recovered = recovered
	logs.Infof("app: recovered, last seq: %d, applied: %d, markets: %d", recovered.LastSeq, recovered.Applied, len(a.State.Arena.IDs()))

	a.Outbox, err = outbox.Open(loaded.Outbox)
	if err != nil {
		return nil, errors.Wrap(err, "open outbox")
	}

	a.Registry = schema.NewRegistry(loaded.VenueKind)
	for _, m := range a.State.Arena.List() {
		if err := trade.MapInstruments(a.Registry, m); err != nil {
			_ = a.Outbox.Close()
			return nil, err
		}
	}

	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	loaded := a.Loaded
	if a.Venue == nil {
		a.Venue = newVenue(loaded)
	}
	if loaded.Stream != nil {
		a.stream = stream.New(*loaded.Stream)
		a.Venue = venue.Split{Quotes: a.stream, Orders: a.Venue}
	}

	var err error
	a.Executor, err = trade.NewExecutor(loaded.Trade, trade.Deps{
		Arena:    a.State.Arena,
		Ledger:   a.State.Ledger,
		Journal:  a.Outbox,
		Exposure: a.State.Exposure,
		Bus:      a.Bus,
		Metrics:  a.Metrics,
		Registry: a.Registry,
	})
	if err != nil {
		return err
	}

	a.Dispatcher = hedge.NewDispatcher(loaded.Hedge, hedge.Deps{
		Journal:     a.Outbox,
		Venue:       a.Venue,
		Markets:     a.State.Arena,
		Instruments: a.Registry,
		Exposure:    a.State.Exposure,
		Bus:         a.Bus,
		Metrics:     a.Metrics,
	})

	a.Sync, err = oddsync.New(loaded.Sync, oddsync.Deps{
		Arena:       a.State.Arena,
		Quotes:      a.Venue,
		Instruments: a.Registry,
		Journal:     a.Outbox,
		Bus:         a.Bus,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return err
	}

	if !a.sinksSet {
		a.sinks, err = newSinks(loaded)
		if err != nil {
			return err
		}
	}

	if a.repo == nil && loaded.Postgres.Enabled() {
		a.pg, err = conn.New(ctx, loaded.Postgres)
		if err != nil {
			return err
		}
		pg := store.NewPostgres(a.pg.DB())
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.repo = pg
	}

	// Subscribers must exist before the first publish.
	a.expQ = a.Bus.Subscribe("exposure", exposureQueueSize)
	if len(a.sinks) > 0 {
		a.sinkQ = a.Bus.Subscribe("sinks", sinkQueueSize)
	}
	if a.repo != nil {
		a.storeQ = a.Bus.Subscribe("store", storeQueueSize)
	}
	return nil
}

func newVenue(loaded ops.Loaded) venue.Client {
	if loaded.VenueKind == ops.VenueREST {
		return rest.NewClient(loaded.REST, nil)
	}
	return sim.New(sim.Config{FeeBps: loaded.VenueFeeBps})
}

func newSinks(loaded ops.Loaded) ([]sink.Sink, error) {
	var sinks []sink.Sink
	if loaded.LogSink {
		sinks = append(sinks, sink.NewLog())
	}
	if loaded.Redis != nil {
		r, err := sink.NewRedis(*loaded.Redis)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, r)
	}
	if loaded.Kafka != nil {
		k, err := sink.NewKafka(*loaded.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}

// Bootstrap creates the configured markets and the markets stored in the
// read model that the engine does not know yet.
func (a *App) Bootstrap(ctx context.Context) error {
	markets := append([]schema.Market(nil), a.Loaded.Markets...)
	if a.repo != nil {
		stored, err := store.LoadMarkets(ctx, a.repo)
		if err != nil {
			return err
		}
		markets = append(markets, stored...)
	}

	for _, m := range markets {
		if a.State.Arena.Exists(m.ID) {
			continue
		}
		if _, err := a.Executor.CreateMarket(ctx, m); err != nil {
			return errors.Wrapf(err, "bootstrap market %s", m.ID)
		}
	}
	return nil
}

// Run starts the background components and blocks until the context is
// done and all of them have stopped.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logs.Errorf("app: %s stopped, err: %+v", name, err)
			}
		}()
	}

	if a.sinkQ != nil {
		fw := sink.NewForwarder(0, a.sinks...)
		a.forwarding = true
		run("sinks", func(ctx context.Context) error {
			fw.Run(ctx, a.sinkQ)
			return nil
		})
	}
	if a.storeQ != nil {
		p := store.NewProjector(a.repo, 0)
		run("store", func(ctx context.Context) error {
			p.Run(ctx, a.storeQ)
			return nil
		})
	}
	if a.stream != nil {
		run("stream", a.stream.Run)
	}
	run("exposure", func(ctx context.Context) error {
		a.State.Exposure.Run(ctx, a.expQ)
		return nil
	})
	run("dispatcher", a.Dispatcher.Run)
	run("synchronizer", a.Sync.Run)

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Snapshot writes the current state to the configured snapshot path. Call
// it only while no trade is in flight.
func (a *App) Snapshot() error {
	if a.Loaded.SnapshotPath == "" {
		return nil
	}
	snap := a.State.SnapshotWithMeta(a.Outbox.Seq(), time.Now().UTC().UnixNano())
	if err := state.WriteSnapshot(a.Loaded.SnapshotPath, snap); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	logs.Infof("app: snapshot written, seq: %d, markets: %d, balances: %d", snap.LastSeq, len(snap.Markets), len(snap.Balances))
	return nil
}

// Close snapshots the state and releases every resource.
func (a *App) Close() error {
	var errs []error
	if a.Outbox != nil {
		if err := a.Snapshot(); err != nil {
			errs = append(errs, err)
		}
		if err := a.Outbox.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.Bus.Close()
	if !a.forwarding {
		for _, s := range a.sinks {
			_ = s.Close()
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
