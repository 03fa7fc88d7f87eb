package distributed

import (
	"context"
	"errors"
	"fmt"

	"stagelink/internal/core/domain"
	"stagelink/pkg/circuitbreaker"

	"go.uber.org/zap"
)

type forwarder interface {
	Forward(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error
}

// GuardedForwarder fails fast while the bus behind it keeps failing, so a
// Redis outage does not stall every relay read loop on publish timeouts.
type GuardedForwarder struct {
	next    forwarder
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedForwarder(next forwarder, config circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedForwarder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	breaker := circuitbreaker.New(config)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay bus circuit changed state", "from", from, "to", to)
	})
	return &GuardedForwarder{next: next, breaker: breaker}
}

func (g *GuardedForwarder) Forward(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Forward(ctx, to, msg)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("relay bus unavailable: %w", err)
	}
	return err
}

func (g *GuardedForwarder) State() circuitbreaker.State {
	return g.breaker.State()
}
