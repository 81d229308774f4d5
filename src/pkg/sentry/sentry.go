// Package sentry wraps the Sentry SDK and provides panic-safe goroutine
// helpers. Every background goroutine in the engine starts through Go or
// GoWithContext so a panic in one branch can never take the process down.
package sentry

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var (
	initialized bool
	initMu      sync.RWMutex
)

// Init initializes the Sentry SDK. An empty dsn disables reporting; the
// goroutine wrappers still recover panics.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
	if err != nil {
		return err
	}
	initMu.Lock()
	initialized = true
	initMu.Unlock()
	return nil
}

func IsInitialized() bool {
	initMu.RLock()
	defer initMu.RUnlock()
	return initialized
}

// Flush sends pending events; call before process exit.
func Flush(timeout time.Duration) {
	if !IsInitialized() {
		return
	}
	sentry.Flush(timeout)
}

// RecoverWithContext reports a recovered panic. Must be deferred directly so
// recover() sees the panicking frame.
func RecoverWithContext(ctx context.Context) {
	err := recover()
	if err == nil {
		return
	}
	if IsInitialized() {
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		if hub != nil {
			hub.RecoverWithContext(ctx, err)
		}
	}
}

// Recover is the context-free variant of RecoverWithContext.
func Recover() {
	err := recover()
	if err == nil {
		return
	}
	if IsInitialized() {
		if hub := sentry.CurrentHub(); hub != nil {
			hub.Recover(err)
		}
	}
}

// Go runs fn on a new goroutine with panic recovery.
func Go(fn func()) {
	go func() {
		defer Recover()
		fn()
	}()
}

// GoWithContext runs fn on a new goroutine with context-aware panic recovery.
func GoWithContext(ctx context.Context, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithContext(ctx)
		fn(ctx)
	}()
}
