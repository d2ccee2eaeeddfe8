package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Events reported to the EventHook.
const (
	EventScheduled = "scheduled"
	EventReplaced  = "replaced"
	EventCancelled = "cancelled"
	EventFired     = "fired"
)

// Job is the work run when a deferred slot fires. The context is cancelled
// when the scheduler stops.
type Job func(ctx context.Context)

// EventHook observes slot lifecycle events, typically to feed metrics.
type EventHook func(event string)

type slot struct {
	timer *time.Timer
	gen   uint64
	due   time.Time
}

// DeferredScheduler runs one-shot delayed jobs keyed by an id. Each key has at
// most one live slot: scheduling again replaces the previous timer instead of
// stacking a second one.
type DeferredScheduler struct {
	mu      sync.Mutex
	slots   map[string]*slot
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
	hook   EventHook
}

// NewDeferredScheduler creates a scheduler. hook may be nil.
func NewDeferredScheduler(logger zerolog.Logger, hook EventHook) *DeferredScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeferredScheduler{
		slots:  make(map[string]*slot),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "deferred-scheduler").Logger(),
		hook:   hook,
	}
}

// Schedule registers job to run once after delay for key. Any slot already
// registered for key is stopped and replaced. Returns true if a slot was
// replaced. Scheduling on a stopped scheduler is ignored.
func (s *DeferredScheduler) Schedule(key string, delay time.Duration, job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warn().Str("key", key).Msg("schedule after stop ignored")
		return false
	}

	replaced := false
	if old, ok := s.slots[key]; ok {
		old.timer.Stop()
		replaced = true
	}

	s.gen++
	gen := s.gen
	s.slots[key] = &slot{
		gen:   gen,
		due:   time.Now().Add(delay),
		timer: time.AfterFunc(delay, func() { s.fire(key, gen, job) }),
	}

	if replaced {
		s.emit(EventReplaced)
	}
	s.emit(EventScheduled)
	return replaced
}

// Cancel stops and removes the slot for key. It is safe to call for a key with
// no slot and reports whether one existed.
func (s *DeferredScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return false
	}
	sl.timer.Stop()
	delete(s.slots, key)
	s.emit(EventCancelled)
	return true
}

// Pending reports whether key has a live slot and when it is due.
func (s *DeferredScheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return time.Time{}, false
	}
	return sl.due, true
}

// Len returns the number of live slots.
func (s *DeferredScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Stop cancels every outstanding slot, cancels the context handed to running
// jobs and waits for them to return.
func (s *DeferredScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, sl := range s.slots {
		sl.timer.Stop()
		delete(s.slots, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *DeferredScheduler) fire(key string, gen uint64, job Job) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	// A timer that was replaced or cancelled after it started firing finds a
	// different generation (or nothing) in its slot.
	if !ok || sl.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.slots, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("key", key).Interface("panic", r).Msg("deferred job panicked")
		}
	}()

	s.emit(EventFired)
	job(s.ctx)
}

func (s *DeferredScheduler) emit(event string) {
	if s.hook != nil {
		s.hook(event)
	}
}
