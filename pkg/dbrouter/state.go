package dbrouter

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNoUnitOfWork is returned when a datastore operation is routed from a
// context that never went through Begin, Do or Middleware.
var ErrNoUnitOfWork = errors.New("dbrouter: no unit of work in context")

// Mode is the routing intent of a unit of work.
type Mode int32

const (
	ReadWrite Mode = iota
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read_only"
	}
	return "read_write"
}

// State is the routing state of one unit of work: one request or one
// background task invocation. It is safe for concurrent use by goroutines
// working on the same unit.
type State struct {
	mode    atomic.Int32
	written atomic.Bool
}

// SetReadOnly routes subsequent reads to replicas.
func (s *State) SetReadOnly() { s.mode.Store(int32(ReadOnly)) }

// SetReadWrite routes subsequent reads to the primary.
func (s *State) SetReadWrite() { s.mode.Store(int32(ReadWrite)) }

// Mode returns the current routing intent.
func (s *State) Mode() Mode { return Mode(s.mode.Load()) }

func (s *State) setMode(m Mode) { s.mode.Store(int32(m)) }

// IsReadWrite reports whether reads go to the primary.
func (s *State) IsReadWrite() bool { return s.Mode() == ReadWrite }

// MarkWritten records that a write was routed in this unit of work.
func (s *State) MarkWritten() { s.written.Store(true) }

// ClearWritten resets the write flag.
func (s *State) ClearWritten() { s.written.Store(false) }

// Written reports whether a write was routed in this unit of work.
func (s *State) Written() bool { return s.written.Load() }

type stateKey struct{}

// Begin starts a unit of work: it attaches a fresh State with the write flag
// cleared and the given mode. Any state already in ctx is shadowed, never
// reused.
func Begin(ctx context.Context, mode Mode) (context.Context, *State) {
	st := &State{}
	st.ClearWritten()
	st.setMode(mode)
	return context.WithValue(ctx, stateKey{}, st), st
}

// FromContext returns the unit-of-work state carried by ctx.
func FromContext(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(stateKey{}).(*State)
	return st, ok
}

// WithReadOnly runs fn with the unit of work switched to ReadOnly and restores
// the previous mode afterwards. Calls nest.
func WithReadOnly(ctx context.Context, fn func() error) error {
	return withMode(ctx, ReadOnly, fn)
}

// WithReadWrite runs fn with the unit of work switched to ReadWrite and
// restores the previous mode afterwards. Calls nest.
func WithReadWrite(ctx context.Context, fn func() error) error {
	return withMode(ctx, ReadWrite, fn)
}

func withMode(ctx context.Context, mode Mode, fn func() error) error {
	st, ok := FromContext(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	prev := st.Mode()
	st.setMode(mode)
	defer st.setMode(prev)
	return fn()
}
