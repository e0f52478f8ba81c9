package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/claimsstack/eventwave/core/backoff"
)

// LoggingMiddleware logs every message with its duration and outcome.
func LoggingMiddleware[M Message](log *slog.Logger) Middleware[M] {
	return func(next HandlerFunc[M]) HandlerFunc[M] {
		return func(ctx context.Context, msg M) (any, error) {
			start := time.Now()
			res, err := next(ctx, msg)

			attrs := []any{
				slog.String("type", msg.MessageType()),
				slog.String("id", msg.MessageID()),
				slog.String("correlation_id", msg.MessageMetadata().CorrelationID),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Error("message failed", append(attrs, slog.Any("error", err))...)
			} else {
				log.Debug("message handled", attrs...)
			}
			return res, err
		}
	}
}

// ValidationMiddleware re-validates the envelope and, when the payload
// itself implements Validate, the payload too.
func ValidationMiddleware[M Message]() Middleware[M] {
	return func(next HandlerFunc[M]) HandlerFunc[M] {
		return func(ctx context.Context, msg M) (any, error) {
			if err := msg.Validate(); err != nil {
				return nil, err
			}
			if cmd, ok := any(msg).(Command); ok {
				if v, ok := cmd.Data.(interface{ Validate() error }); ok {
					if err := v.Validate(); err != nil {
						return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
					}
				}
			}
			return next(ctx, msg)
		}
	}
}

// RetryMiddleware retries failed commands per the given policy. Invalid
// messages and missing targets are never retried. Queries are read-only
// and cheap to rerun by the caller, so retry applies to commands only.
func RetryMiddleware(policy backoff.Policy) CommandMiddleware {
	return func(next CommandHandler) CommandHandler {
		return func(ctx context.Context, cmd Command) (any, error) {
			var lastErr error
			for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
				res, err := next(ctx, cmd)
				if err == nil {
					return res, nil
				}
				if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrNotFound) {
					return nil, err
				}
				lastErr = err

				if attempt == policy.MaxAttempts {
					break
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(policy.DelayFor(attempt)):
				}
			}
			return nil, fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr)
		}
	}
}

// AuthorizationMiddleware gates queries on an authorize predicate. A
// query rejected by the predicate fails with ErrUnauthorized.
func AuthorizationMiddleware(authorize func(ctx context.Context, q Query) bool) QueryMiddleware {
	return func(next QueryHandler) QueryHandler {
		return func(ctx context.Context, q Query) (any, error) {
			if !authorize(ctx, q) {
				return nil, fmt.Errorf("query %q principal %q: %w", q.Type, q.Metadata.Principal, ErrUnauthorized)
			}
			return next(ctx, q)
		}
	}
}

// SlowQueryMiddleware logs queries that exceed the threshold. It never
// fails the query.
func SlowQueryMiddleware(log *slog.Logger, threshold time.Duration) QueryMiddleware {
	return func(next QueryHandler) QueryHandler {
		return func(ctx context.Context, q Query) (any, error) {
			start := time.Now()
			res, err := next(ctx, q)
			if d := time.Since(start); d > threshold {
				log.Warn("slow query",
					slog.String("type", q.Type),
					slog.Duration("duration", d),
					slog.Duration("threshold", threshold),
				)
			}
			return res, err
		}
	}
}
