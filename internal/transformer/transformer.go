// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transformer implements the transform orchestration agent: a
// long-running worker that discovers transforms, materialises their
// content graphs, launches processings, releases dependency-gated
// inputs and honours operator actions.
package transformer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/dataforge/transformd/core/events"
	"github.com/dataforge/transformd/core/transform"
	"github.com/dataforge/transformd/internal/store"
)

var logger = loggo.GetLogger("transformd.transformer")

const (
	sweepPeriod        = 60 * time.Second
	cleanLockingPeriod = 1800 * time.Second
)

// Config holds the dependencies and options of a Transformer.
type Config struct {
	Clock clock.Clock
	Store store.Repository
	Bus   *events.Bus

	PublisherID     events.PublisherID
	AgentAttributes map[string]any

	PollTimePeriod          time.Duration
	PollOperationTimePeriod time.Duration
	RetrieveBulkSize        int
	MessageBulkSize         int
	RetriesLimit            int
	MaxNumberWorkers        int
	CleanLockingThreshold   time.Duration
}

// Validate returns an error if the config cannot run a Transformer.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.MaxNumberWorkers <= 0 {
		return errors.NotValidf("MaxNumberWorkers %d", c.MaxNumberWorkers)
	}
	if c.RetrieveBulkSize <= 0 {
		return errors.NotValidf("RetrieveBulkSize %d", c.RetrieveBulkSize)
	}
	if c.PollTimePeriod <= 0 {
		return errors.NotValidf("PollTimePeriod %s", c.PollTimePeriod)
	}
	if c.PollOperationTimePeriod <= 0 {
		return errors.NotValidf("PollOperationTimePeriod %s", c.PollOperationTimePeriod)
	}
	return nil
}

// eventHandler pairs the admission pre-check with the handler invoked
// on a worker slot.
type eventHandler struct {
	preCheck func() bool
	exec     func(context.Context, events.Event) error
}

// Transformer is the agent worker.
type Transformer struct {
	catacomb catacomb.Catacomb
	config   Config

	eventFuncMap map[events.Kind]eventHandler

	// queue holds pending events; signal wakes the dispatch loop.
	mu     sync.Mutex
	queue  []events.Event
	signal chan struct{}

	// numWorkers tracks handlers in flight; slots bounds them.
	numWorkers atomic.Int64
	slots      chan struct{}
	handlers   sync.WaitGroup

	eventsSeen atomic.Int64
}

// New starts a Transformer from config.
func New(config Config) (*Transformer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	t := &Transformer{
		config: config,
		signal: make(chan struct{}, 1),
		slots:  make(chan struct{}, config.MaxNumberWorkers),
	}
	t.initEventFuncMap()
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill implements worker.Worker.
func (t *Transformer) Kill() {
	t.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (t *Transformer) Wait() error {
	return t.catacomb.Wait()
}

// initEventFuncMap wires the subscribed event kinds to their handlers.
func (t *Transformer) initEventFuncMap() {
	t.eventFuncMap = map[events.Kind]eventHandler{
		events.KindNewTransform: {
			preCheck: t.okToRunMore,
			exec:     t.processNewTransform,
		},
		events.KindUpdateTransform: {
			preCheck: t.okToRunMore,
			exec:     t.processUpdateTransform,
		},
		events.KindAbortTransform: {
			preCheck: t.okToRunMore,
			exec:     t.processAbortTransform,
		},
		events.KindResumeTransform: {
			preCheck: t.okToRunMore,
			exec:     t.processResumeTransform,
		},
	}
}

// okToRunMore reports whether another handler may start.
func (t *Transformer) okToRunMore() bool {
	return t.numWorkers.Load() < int64(t.config.MaxNumberWorkers)
}

func (t *Transformer) showQueueSize() {
	logger.Debugf("number of transforms: %d, max number of transforms: %d",
		t.numWorkers.Load(), t.config.MaxNumberWorkers)
}

// enqueue is the bus subscription callback.
func (t *Transformer) enqueue(ev events.Event) {
	t.mu.Lock()
	t.queue = append(t.queue, ev)
	t.mu.Unlock()
	t.wake()
}

func (t *Transformer) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Transformer) popEvent() (events.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, false
	}
	ev := t.queue[0]
	t.queue = t.queue[1:]
	return ev, true
}

func (t *Transformer) pushFront(ev events.Event) {
	t.mu.Lock()
	t.queue = append([]events.Event{ev}, t.queue...)
	t.mu.Unlock()
}

func (t *Transformer) queueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Transformer) loop() error {
	ctx, cancel := t.scopedContext()
	defer cancel()
	defer t.handlers.Wait()

	for kind := range t.eventFuncMap {
		unsubscribe := t.config.Bus.Subscribe(kind, t.enqueue)
		defer unsubscribe()
	}

	newSweep := t.config.Clock.NewTimer(sweepPeriod)
	defer newSweep.Stop()
	runningSweep := t.config.Clock.NewTimer(sweepPeriod)
	defer runningSweep.Stop()
	lockSweep := t.config.Clock.NewTimer(cleanLockingPeriod)
	defer lockSweep.Stop()

	logger.Infof("starting main loop")
	for {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()
		case <-newSweep.Chan():
			t.getNewTransforms(ctx)
			newSweep.Reset(sweepPeriod)
		case <-runningSweep.Chan():
			t.getRunningTransforms(ctx)
			runningSweep.Reset(sweepPeriod)
		case <-lockSweep.Chan():
			t.cleanLocks(ctx)
			lockSweep.Reset(cleanLockingPeriod)
		case <-t.signal:
			t.dispatch(ctx)
		}
	}
}

// dispatch drains the queue onto worker slots. An event whose
// pre-check refuses admission goes back to the front of the queue; a
// finishing handler wakes the loop again.
func (t *Transformer) dispatch(ctx context.Context) {
	for {
		ev, ok := t.popEvent()
		if !ok {
			return
		}
		handler, known := t.eventFuncMap[ev.Kind()]
		if !known {
			logger.Errorf("no handler for event kind %q", ev.Kind())
			continue
		}
		if !handler.preCheck() {
			t.pushFront(ev)
			return
		}
		select {
		case t.slots <- struct{}{}:
		case <-t.catacomb.Dying():
			t.pushFront(ev)
			return
		}
		t.numWorkers.Add(1)
		t.eventsSeen.Add(1)
		t.handlers.Add(1)
		go func() {
			defer func() {
				t.numWorkers.Add(-1)
				<-t.slots
				t.handlers.Done()
				t.wake()
			}()
			if err := handler.exec(ctx, ev); err != nil {
				logger.Errorf("handling %s: %v", ev.Kind(), err)
			}
		}()
	}
}

// scopedContext returns a context cancelled when the worker dies.
func (t *Transformer) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *Transformer) publish(ev events.Event) {
	t.config.Bus.Publish(ev)
}

// operationProcessingStatus maps a To* transform status to the
// processing status stamped on a processing created while the
// operation is pending.
func operationProcessingStatus(s transform.Status) (transform.ProcessingStatus, bool) {
	switch s {
	case transform.StatusToCancel:
		return transform.ProcessingStatusToCancel, true
	case transform.StatusToSuspend:
		return transform.ProcessingStatusToSuspend, true
	case transform.StatusToResume:
		return transform.ProcessingStatusToResume, true
	case transform.StatusToExpire:
		return transform.ProcessingStatusToExpire, true
	case transform.StatusToFinish:
		return transform.ProcessingStatusToFinish, true
	case transform.StatusToForceFinish:
		return transform.ProcessingStatusToForceFinish, true
	}
	return transform.ProcessingStatusUnknown, false
}
