package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const validatePath = "/api/federation/validate"

// BreakerConfig configura o circuit breaker de cada peer
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig trips after five consecutive failures and lets a trial call through
// after ten seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// HTTPPeer calls a remote validator node.
type HTTPPeer struct {
	id      string
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPPeer cria um peer HTTP com timeout por chamada
func NewHTTPPeer(id, baseURL string, timeout time.Duration, cfg BreakerConfig, logger *zap.Logger) *HTTPPeer {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer-" + id,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[FEDERATION] circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Chamadas canceladas por quórum já atingido não contam como falha
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &HTTPPeer{id: id, client: client, breaker: breaker, logger: logger}
}

func (p *HTTPPeer) ID() string { return p.id }

// State exposes the breaker state for health reporting.
func (p *HTTPPeer) State() gobreaker.State { return p.breaker.State() }

func (p *HTTPPeer) Validate(ctx context.Context, req ValidationRequest) (Vote, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		var vote Vote
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&vote).
			Post(validatePath)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("peer %s answered %d", p.id, resp.StatusCode())
		}
		return vote, nil
	})
	if err != nil {
		return Vote{}, err
	}
	return out.(Vote), nil
}
