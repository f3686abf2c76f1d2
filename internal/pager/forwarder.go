package pager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"meshbridge/internal/config"
	"meshbridge/internal/constants"
	"meshbridge/internal/logger"
	"meshbridge/internal/mesh"
	apperrors "meshbridge/pkg/errors"
	"meshbridge/pkg/metrics"
	"meshbridge/pkg/retry"
)

// ErrFailedAfterRetries reports that every attempt against the gateway
// failed. The message stays recorded as failed; delivery is at-least-once
// and a bus re-delivery may try again under a fresh packet id.
var ErrFailedAfterRetries = errors.New("gateway delivery failed after retries")

// Sender delivers a text message to the paging gateway.
type Sender interface {
	Forward(ctx context.Context, msg mesh.TextMessage) error
}

// callRequest is the gateway's call submission body.
type callRequest struct {
	Text                  string   `json:"text"`
	CallSignNames         []string `json:"callSignNames"`
	TransmitterGroupNames []string `json:"transmitterGroupNames"`
	Emergency             bool     `json:"emergency"`
}

// Forwarder posts text messages to the DAPNET-style gateway with bounded
// exponential retries. Authentication failures short-circuit: burning the
// retry budget on bad credentials helps nobody.
type Forwarder struct {
	cfg     config.GatewayConfig
	client  *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	log     logger.Logger
}

func New(cfg config.GatewayConfig, log logger.Logger) *Forwarder {
	f := &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.APITimeout,
		},
		policy: retry.Policy{
			MaxAttempts:     cfg.MaxRetries,
			InitialInterval: cfg.RetryDelay,
			MaxInterval:     constants.ForwardMaxBackoff,
			Multiplier:      2.0,
		},
		log: log,
	}

	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return f
}

func (f *Forwarder) Forward(ctx context.Context, msg mesh.TextMessage) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	err := retry.DoWithCallback(ctx, f.policy, func() error {
		return f.attempt(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		f.log.Warnw("Gateway call failed, retrying",
			"attempt", attempt,
			"max_attempts", f.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
		)
	})

	if err != nil {
		metrics.ObserveForwardDuration(time.Since(start), "failed")
		if apperrors.IsAuth(err) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrFailedAfterRetries, err)
	}

	metrics.ObserveForwardDuration(time.Since(start), "delivered")
	return nil
}

func (f *Forwarder) attempt(ctx context.Context, msg mesh.TextMessage) error {
	body, err := json.Marshal(callRequest{
		Text:                  msg.Text,
		CallSignNames:         []string{f.cfg.Callsign},
		TransmitterGroupNames: []string{f.cfg.TransmitterGroup},
		Emergency:             false,
	})
	if err != nil {
		return apperrors.NewError("ENCODE", "failed to encode call request").AsFatal().WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewError("REQUEST", "failed to build gateway request").AsFatal().WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(f.cfg.Callsign, f.cfg.Password)

	resp, err := f.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are transient by assumption.
		return apperrors.ErrGateway.WithMessage("gateway request failed").WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.ErrAuth.WithMessage("gateway returned status %d", resp.StatusCode)
	default:
		return apperrors.ErrGateway.WithMessage("gateway returned status %d", resp.StatusCode)
	}
}
