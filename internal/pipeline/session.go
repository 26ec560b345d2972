package pipeline

import (
	"errors"
	"sync"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/rs/zerolog/log"
)

type releaser interface {
	Release() error
}

// Session is the execution context of one pipeline run: a device context
// and a single in-order queue on it. Buffers and programs created through
// a Session are owned by it and released by Close.
type Session struct {
	dev   device.Device
	ctx   device.Context
	queue device.Queue

	mu        sync.Mutex
	owned     []releaser // in acquisition order
	instances []*KernelInstance
	closed    bool
}

// NewSession creates a context bound to dev and one command queue on it.
func NewSession(dev device.Device) (*Session, error) {
	ctx, err := dev.NewContext()
	if err != nil {
		return nil, wrapDispatch("NewSession", "context creation succeeds", "Context creation failed", err)
	}
	queue, err := ctx.NewQueue()
	if err != nil {
		_ = ctx.Release()
		return nil, wrapDispatch("NewSession", "queue creation succeeds", "Command queue creation failed", err)
	}
	sessionsOpen.Inc()
	return &Session{dev: dev, ctx: ctx, queue: queue}, nil
}

func (s *Session) Device() device.Device   { return s.dev }
func (s *Session) Context() device.Context { return s.ctx }
func (s *Session) Queue() device.Queue     { return s.queue }

func (s *Session) own(r releaser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = r.Release()
		return device.NewError(device.KindRuntimeDispatch, "Session", "session is open", "Resource created on a closed session", nil)
	}
	s.owned = append(s.owned, r)
	return nil
}

func (s *Session) dispatched(k *KernelInstance) {
	s.mu.Lock()
	s.instances = append(s.instances, k)
	s.mu.Unlock()
}

// Finish blocks until every command submitted to the queue has completed,
// then marks dispatched kernel instances Completed.
func (s *Session) Finish() error {
	if err := s.queue.Finish(); err != nil {
		return wrapDispatch("Finish", "queued commands complete", "Command queue failed", err)
	}
	s.mu.Lock()
	done := s.instances
	s.instances = nil
	s.mu.Unlock()
	for _, k := range done {
		k.complete()
	}
	return nil
}

// Close releases owned resources in reverse acquisition order, then the
// queue and the context. Calling Close again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.queue.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.ctx.Release(); err != nil {
		errs = append(errs, err)
	}
	sessionsOpen.Dec()
	if len(errs) > 0 {
		log.Warn().Int("errors", len(errs)).Msg("Session release reported errors")
		return errors.Join(errs...)
	}
	return nil
}

// wrapDispatch passes device errors through and classifies anything else
// as a runtime dispatch failure.
func wrapDispatch(op, expected, message string, err error) error {
	if device.KindOf(err) != 0 {
		return err
	}
	return device.NewError(device.KindRuntimeDispatch, op, expected, message, err)
}
