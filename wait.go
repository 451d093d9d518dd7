package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pollSettings bounds a poll-until-condition loop.
type pollSettings struct {
	Timeout  time.Duration
	Initial  time.Duration
	MaxDelay time.Duration
}

var defaultPoll = pollSettings{
	Timeout:  10 * time.Second,
	Initial:  100 * time.Millisecond,
	MaxDelay: time.Second,
}

// Eventually calls cond until it returns nil, ctx is done, or timeout elapses.
// On timeout the last condition error is returned so the caller sees the
// final expected-vs-actual mismatch. Wrap an error with backoff.Permanent to stop early.
func Eventually(ctx context.Context, timeout time.Duration, cond func(ctx context.Context) error) error {
	settings := defaultPoll
	if timeout > 0 {
		settings.Timeout = timeout
	}
	return poll(ctx, settings, cond)
}

func poll(ctx context.Context, s pollSettings, cond func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	b.MaxInterval = s.MaxDelay
	b.MaxElapsedTime = s.Timeout
	b.RandomizationFactor = 0.2

	return backoff.Retry(func() error {
		return cond(ctx)
	}, backoff.WithContext(b, ctx))
}

// stopPolling marks err as final.
func stopPolling(err error) error {
	return backoff.Permanent(err)
}
