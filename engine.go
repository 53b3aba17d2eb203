// Package dcaengine is the accounting core of a dollar-cost-averaging engine: it aggregates
// installments from many users sharing the same (from, to, interval) triple into single batched
// swaps, and fairly distributes proceeds back to every position at withdrawal time in O(1).
//
// The core never discovers prices, routes trades, or persists history beyond what its O(1)
// accounting requires — those concerns live behind the collaborators package and internal/db.
package dcaengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChoSanghyuk/dcaengine/internal/db"
	"github.com/ChoSanghyuk/dcaengine/internal/eventbus"
	"github.com/ChoSanghyuk/dcaengine/internal/interval"
	"github.com/ChoSanghyuk/dcaengine/internal/logging"
	"github.com/ChoSanghyuk/dcaengine/internal/store"
	"github.com/ChoSanghyuk/dcaengine/pkg/collaborators"
)

// Engine owns every in-memory store and the collaborators the core reads from or writes to. All
// state-changing entry points are serialized behind mu, matching spec.md §5's "single-threaded,
// serialized" scheduling model — there is no in-request suspension once a call has acquired it.
type Engine struct {
	mu sync.Mutex

	registry *interval.Registry
	positions *store.PositionStore
	triples   *store.TripleStore

	custody  collaborators.Custody
	executor collaborators.TradeExecutor
	config   collaborators.ConfigReader
	recorder db.Recorder // nil disables durable persistence

	events *eventbus.Hub
	log    *logging.Logger

	now func() uint64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRecorder attaches a durable persistence collaborator.
func WithRecorder(r db.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithEventHub attaches an event bus; if omitted, events are still computed but never published.
func WithEventHub(h *eventbus.Hub) Option {
	return func(e *Engine) { e.events = h }
}

// WithClock overrides the engine's wall-clock source — used by tests to drive deterministic
// swap-window classification without sleeping.
func WithClock(now func() uint64) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the engine's component logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs an Engine around a configured interval registry and its three external
// collaborators (spec.md §6). Position and triple stores start empty; call Restore afterward to
// rehydrate them from a configured Recorder.
func New(reg *interval.Registry, custody collaborators.Custody, executor collaborators.TradeExecutor, cfg collaborators.ConfigReader, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		positions: store.NewPositionStore(),
		triples:   store.NewTripleStore(),
		custody:   custody,
		executor:  executor,
		config:    cfg,
		log:       logging.GetDefault().Component("engine"),
		now:       func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore reloads every open position and each referenced triple's latest durable snapshot from
// the configured recorder, repopulating the in-memory stores after a process restart (spec.md §3
// "persists forever" — see SPEC_FULL.md §4's durable-persistence requirement). It is a no-op when
// no recorder is configured. Callers must invoke it once, immediately after New and before any
// other entry point runs — it does not take e.mu since nothing else can be observing the engine
// yet.
func (e *Engine) Restore() error {
	if e.recorder == nil {
		return nil
	}

	records, err := e.recorder.LoadOpenPositions()
	if err != nil {
		return fmt.Errorf("restore: load open positions: %w", err)
	}

	seen := make(map[store.TripleKey]bool)
	for _, rec := range records {
		pos, err := positionFromRecord(rec)
		if err != nil {
			return fmt.Errorf("restore: decode position %d: %w", rec.ID, err)
		}
		e.positions.InsertExisting(pos)

		key := pos.Triple()
		if seen[key] {
			continue
		}
		seen[key] = true

		snap, err := e.recorder.LatestTripleSnapshot(pos.From.Hex(), pos.To.Hex(), uint8(pos.Mask))
		if err != nil {
			return fmt.Errorf("restore: load triple snapshot for %s/%s/%d: %w", pos.From, pos.To, pos.Mask, err)
		}
		if snap == nil {
			continue
		}
		ts, activeMask, err := tripleStateFromRecord(*snap)
		if err != nil {
			return fmt.Errorf("restore: decode triple snapshot %d: %w", snap.ID, err)
		}
		e.triples.RestoreState(key, ts)
		e.triples.SetActive(key.Pair(), activeMask)
	}
	return nil
}

func (e *Engine) publish(eventType eventbus.EventType, data interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(eventType, data)
}

// nowSeconds returns the engine's current wall-clock time, per WithClock if set.
func (e *Engine) nowSeconds() uint64 { return e.now() }
