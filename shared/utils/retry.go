package utils

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy describe un presupuesto de reintentos con backoff exponencial.
// MaxRetries cuenta los reintentos tras el primer intento.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy: 3 reintentos, 200ms, 200ms*2^n con tope de 10s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}

// ErrPermanent marca errores que no tiene sentido reintentar.
var ErrPermanent = errors.New("permanent error")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent envuelve err para que Retry no lo reintente.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry ejecuta fn hasta 1+MaxRetries veces con backoff exponencial.
// onRetry recibe el número de intento (desde 1) que acaba de fallar y se llama
// antes de esperar al siguiente. La espera se corta si ctx se cancela.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error, onRetry func(attempt uint, err error)) error {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaxRetries) + 1),
		retry.Delay(policy.BaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrPermanent)
		}),
	}
	if policy.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(policy.MaxDelay))
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(func(n uint, err error) { onRetry(n+1, err) }))
	}

	return retry.Do(func() error { return fn(ctx) }, opts...)
}

// Backoff calcula base*2^attempt con tope max. attempt empieza en 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// SleepWithContext espera d o hasta que ctx se cancele.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
