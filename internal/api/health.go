package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WakeOptions tunes WakeUp. Attempt n (0-based) waits Timeout*(n+1) for a
// response; a non-OK answer backs off Backoff*(n+1) and a timeout backs off
// TimeoutBackoff before the next attempt.
type WakeOptions struct {
	Attempts       int
	Timeout        time.Duration
	Backoff        time.Duration
	TimeoutBackoff time.Duration
}

func DefaultWakeOptions() WakeOptions {
	return WakeOptions{
		Attempts:       3,
		Timeout:        10 * time.Second,
		Backoff:        time.Second,
		TimeoutBackoff: 500 * time.Millisecond,
	}
}

// Health pings /health once.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, request{op: "health", method: http.MethodGet, path: "/health"}, nil)
}

// WakeUp pings /health until the backend answers, giving a cold-starting
// server progressively more time. It returns ErrBackendUnhealthy once every
// attempt has failed.
func (c *Client) WakeUp(ctx context.Context, opts WakeOptions) error {
	def := DefaultWakeOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.TimeoutBackoff <= 0 {
		opts.TimeoutBackoff = def.TimeoutBackoff
	}

	var last error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, opts.Timeout*time.Duration(attempt+1))
		err := c.Health(actx)
		cancel()
		if err == nil {
			if attempt > 0 {
				c.log.Info("backend awake", zap.Int("attempts", attempt+1))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		c.log.Debug("backend not ready", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == opts.Attempts-1 {
			break
		}
		wait := opts.Backoff * time.Duration(attempt+1)
		if isCanceled(err) {
			wait = opts.TimeoutBackoff
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return errors.Join(ErrBackendUnhealthy, last)
}

// KeepAlive pings /health immediately and then every interval until ctx is
// done, so an idle backend is not scaled to zero mid-session.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ping := func() {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := c.Health(pctx); err != nil && ctx.Err() == nil {
			c.log.Debug("keep-alive ping failed", zap.Error(err))
		}
	}
	ping()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
