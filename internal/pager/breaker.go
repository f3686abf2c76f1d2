package pager

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"meshbridge/internal/config"
	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
	apperrors "meshbridge/pkg/errors"
)

// BreakerSender wraps a Sender with a circuit breaker so a dead gateway
// fails fast instead of holding the pipeline through full retry cycles for
// every message.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
	log  logger.Logger
}

func NewBreakerSender(next Sender, cfg config.CircuitBreakerConfig, log logger.Logger) *BreakerSender {
	settings := gobreaker.Settings{
		Name:        "pager-gateway",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Gateway circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &BreakerSender{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
		log:  log,
	}
}

func (b *BreakerSender) Forward(ctx context.Context, msg mesh.TextMessage) error {
	res, err := b.cb.Execute(func() (interface{}, error) {
		if err := b.next.Forward(ctx, msg); err != nil {
			// Credential failures are the operator's problem, not the
			// gateway's health; don't let them trip the breaker.
			if apperrors.IsAuth(err) {
				return err, nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperrors.ErrGateway.WithMessage("gateway circuit breaker open").WithCause(err)
		}
		return err
	}
	if authErr, ok := res.(error); ok {
		return authErr
	}
	return nil
}
