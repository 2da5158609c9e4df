package syncchan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds how hard Connect tries before giving up.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// means retry until MaxElapsed.
	MaxRetries  int
	MaxElapsed  time.Duration
	DialTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxRetries:      8,
		MaxElapsed:      2 * time.Minute,
		DialTimeout:     10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsed
	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Connect dials t until it succeeds, the policy is exhausted or ctx is
// done. notify, if set, is called before each wait with the error and the
// delay. The returned error wraps ErrTransportFailure.
func Connect(ctx context.Context, t Transport, p RetryPolicy, notify backoff.Notify) (Conn, error) {
	var conn Conn
	dial := func() error {
		dctx := ctx
		if p.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, p.DialTimeout)
			defer cancel()
		}
		c, err := t.Dial(dctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.RetryNotify(dial, p.backOff(ctx), notify); err != nil {
		if errors.Is(err, ErrTransportFailure) {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return nil, fmt.Errorf("connect: %w: %v", ErrTransportFailure, err)
	}
	return conn, nil
}
