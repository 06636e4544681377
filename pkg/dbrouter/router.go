// Package dbrouter routes datastore operations between a writable primary and
// a pool of read replicas.
//
// Every unit of work (an HTTP request, a scheduled task) carries its own
// State in its context.Context. Reads in a ReadOnly unit rotate round-robin
// across the replicas; everything else goes to the primary. A client that
// wrote is pinned to the primary for a grace period so it does not read its
// own writes back from a lagging replica.
package dbrouter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/elonfeng/debaterank/internal/metrics"
	"go.uber.org/zap"
)

// ErrNoPrimary is returned by New when no primary endpoint is configured.
var ErrNoPrimary = errors.New("dbrouter: primary endpoint required")

// DefaultPinningPeriod is how long a client stays on the primary after a write.
const DefaultPinningPeriod = 10 * time.Second

// Config describes the endpoint pool.
type Config struct {
	Primary  string
	Replicas []string

	// ReferenceKinds are rarely-mutated entity kinds that are always read
	// from a replica, whatever the unit of work's mode.
	ReferenceKinds []string

	PinningPeriod time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithRand sets the random source used to shuffle the replica list.
func WithRand(r *rand.Rand) Option {
	return func(rt *Router) { rt.rnd = r }
}

// WithLogger sets the router's logger.
func WithLogger(l *zap.Logger) Option {
	return func(rt *Router) { rt.logger = l }
}

// WithMetrics records routing decisions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

// Router decides which endpoint serves each datastore operation.
type Router struct {
	primary   string
	replicas  []string
	reference map[string]bool
	pinning   time.Duration

	cursor atomic.Uint64

	rnd     *rand.Rand
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a router. The replica list is shuffled once here so that
// processes started with the same config spread their first reads.
func New(cfg Config, opts ...Option) (*Router, error) {
	if cfg.Primary == "" {
		return nil, ErrNoPrimary
	}

	r := &Router{
		primary:   cfg.Primary,
		replicas:  make([]string, 0, len(cfg.Replicas)),
		reference: make(map[string]bool, len(cfg.ReferenceKinds)),
		pinning:   cfg.PinningPeriod,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pinning <= 0 {
		r.pinning = DefaultPinningPeriod
	}

	seen := make(map[string]bool, len(cfg.Replicas))
	for _, name := range cfg.Replicas {
		if name == "" {
			return nil, fmt.Errorf("dbrouter: empty replica name")
		}
		if name == cfg.Primary || seen[name] {
			return nil, fmt.Errorf("dbrouter: duplicate endpoint %q", name)
		}
		seen[name] = true
		r.replicas = append(r.replicas, name)
	}
	for _, kind := range cfg.ReferenceKinds {
		r.reference[kind] = true
	}

	swap := func(i, j int) { r.replicas[i], r.replicas[j] = r.replicas[j], r.replicas[i] }
	if r.rnd != nil {
		r.rnd.Shuffle(len(r.replicas), swap)
	} else {
		rand.Shuffle(len(r.replicas), swap)
	}

	r.logger.Info("db router configured",
		zap.String("primary", r.primary),
		zap.Strings("replicas", r.replicas),
		zap.Duration("pinning_period", r.pinning))

	return r, nil
}

// Primary returns the primary endpoint name.
func (r *Router) Primary() string { return r.primary }

// Replicas returns the replica endpoints in round-robin order.
func (r *Router) Replicas() []string {
	out := make([]string, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// Endpoints returns the primary followed by the replicas.
func (r *Router) Endpoints() []string {
	return append([]string{r.primary}, r.replicas...)
}

// PinningPeriod returns the read-your-writes grace period.
func (r *Router) PinningPeriod() time.Duration { return r.pinning }

// RouteForRead returns the endpoint that should serve a read of kind.
func (r *Router) RouteForRead(ctx context.Context, kind string) (string, error) {
	st, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoUnitOfWork
	}

	var endpoint string
	switch {
	case r.reference[kind]:
		endpoint = r.nextReplica()
	case st.IsReadWrite():
		endpoint = r.primary
	default:
		endpoint = r.nextReplica()
	}
	r.observe(endpoint, "read")
	return endpoint, nil
}

// RouteForWrite returns the primary and marks the unit of work as written.
func (r *Router) RouteForWrite(ctx context.Context, kind string) (string, error) {
	st, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoUnitOfWork
	}
	st.MarkWritten()
	r.observe(r.primary, "write")
	return r.primary, nil
}

// nextReplica advances the cursor only when a replica is actually chosen.
func (r *Router) nextReplica() string {
	n := uint64(len(r.replicas))
	if n == 0 {
		return r.primary
	}
	idx := (r.cursor.Add(1) - 1) % n
	return r.replicas[idx]
}

// BeginPinningWindow ends a unit of work. If it wrote, the client is pinned
// to the primary until now plus the pinning period.
func (r *Router) BeginPinningWindow(ctx context.Context, pins PinStore, clientID string, now time.Time) error {
	st, ok := FromContext(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	if !st.Written() {
		return nil
	}
	st.ClearWritten()

	if clientID == "" {
		return nil
	}
	until := now.Add(r.pinning)
	if err := pins.Pin(ctx, clientID, until, r.pinning); err != nil {
		return fmt.Errorf("pin client %s: %w", clientID, err)
	}
	if r.metrics != nil {
		r.metrics.PinsTotal.Inc()
	}
	r.logger.Debug("client pinned to primary",
		zap.String("client_id", clientID),
		zap.Time("until", until))
	return nil
}

// Do runs fn as a background unit of work in the given mode. The state is
// discarded afterwards, so nothing leaks into the next task run on the same
// goroutine.
func (r *Router) Do(ctx context.Context, mode Mode, fn func(ctx context.Context) error) error {
	ctx, st := Begin(ctx, mode)
	defer st.SetReadWrite()
	return fn(ctx)
}

func (r *Router) observe(endpoint, op string) {
	if r.metrics != nil {
		r.metrics.RoutedTotal.WithLabelValues(endpoint, op).Inc()
	}
}
