package client

import (
	"context"
	"errors"
	"time"

	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/rs/zerolog/log"
)

// Forwarder copies products to a remote Flight server with DoPut. Calls are
// guarded by a circuit breaker so an unreachable peer costs nothing per
// request once the circuit opens.
type Forwarder struct {
	client  *FlightClient
	breaker *CircuitBreaker
	dataset string
	timeout time.Duration
}

func NewForwarder(addr, dataset string) (*Forwarder, error) {
	c, err := NewFlightClient(addr)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		client:  c,
		breaker: NewCircuitBreaker(3, 30*time.Second),
		dataset: dataset,
		timeout: 5 * time.Second,
	}, nil
}

// Forward sends m, returning ErrCircuitOpen without a network call while the
// breaker is open.
func (f *Forwarder) Forward(ctx context.Context, m *matrix.Matrix) error {
	err := f.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.client.DoPut(ctx, f.dataset, m)
	})
	switch {
	case err == nil:
		forwardTotal.WithLabelValues("success").Inc()
	case errors.Is(err, ErrCircuitOpen):
		forwardTotal.WithLabelValues("skipped").Inc()
	default:
		forwardTotal.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("dataset", f.dataset).Str("breaker", f.breaker.State().String()).Msg("Forward failed")
	}
	return err
}

func (f *Forwarder) Breaker() *CircuitBreaker { return f.breaker }

func (f *Forwarder) Close() error {
	return f.client.Close()
}
