package notify

import (
	"context"
	"errors"
	"time"

	bckoff "github.com/cenkalti/backoff/v4"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type GuardConfig struct {
	Name          string
	RatePerSecond float64
	Burst         int
	// Retries bounds in-process retries of transient failures; the task queue retries beyond that.
	Retries         int
	InitialInterval time.Duration
	MaxFailures     uint32
	OpenTimeout     time.Duration
}

// Guard rate limits a Sender, trips a circuit breaker on repeated provider failures and
// retries transient errors with exponential backoff.
type Guard struct {
	next    Sender
	limiter *rate.Limiter
	breaker *cb.CircuitBreaker
	cfg     GuardConfig
	log     *zap.Logger
}

func NewGuard(next Sender, cfg GuardConfig, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	settings := cb.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Guard{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: cb.NewCircuitBreaker(settings),
		cfg:     cfg,
		log:     log,
	}
}

// State exposes the breaker state for status output.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

func (g *Guard) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ValidateRecipient(msg.Channel, msg.To); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	attempt := 0
	operation := func() error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return bckoff.Permanent(err)
		}
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.next.Send(ctx, msg)
		})
		if err != nil {
			if IsPermanent(err) || errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
				return bckoff.Permanent(err)
			}
			g.log.Warn("notification send failed", zap.String("channel", msg.Channel), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		receipt = res.(Receipt)
		return nil
	}
	policy := bckoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.InitialInterval
	policy.MaxElapsedTime = 0
	var b bckoff.BackOff = bckoff.WithMaxRetries(policy, uint64(max(g.cfg.Retries, 0)))
	if err := bckoff.Retry(operation, bckoff.WithContext(b, ctx)); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}
