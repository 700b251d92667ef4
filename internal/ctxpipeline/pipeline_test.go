package ctxpipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/crawlforge/crawlforge/internal/crawlerrors"
)

func TestRunMergesExtensionsAndRunsConsumer(t *testing.T) {
	var cleanedUp []string

	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return Extension{"a": 1}, nil },
		Cleanup: func(ctx context.Context, rc *Context, err error) error {
			cleanedUp = append(cleanedUp, "a")
			return nil
		},
	}
	mwB := Middleware{
		Name:   "b",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return Extension{"b": 2}, nil },
		Cleanup: func(ctx context.Context, rc *Context, err error) error {
			cleanedUp = append(cleanedUp, "b")
			return nil
		},
	}

	rc := NewContext(nil)
	p := New(mwA, mwB)

	var consumerSawA, consumerSawB any
	err := p.Run(context.Background(), rc, func(ctx context.Context, rc *Context) error {
		consumerSawA, _ = rc.Get("a")
		consumerSawB, _ = rc.Get("b")
		return nil
	})

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if consumerSawA != 1 || consumerSawB != 2 {
		t.Fatalf("expected consumer to see merged extensions, got a=%v b=%v", consumerSawA, consumerSawB)
	}
	if len(cleanedUp) != 2 || cleanedUp[0] != "b" || cleanedUp[1] != "a" {
		t.Fatalf("expected cleanups in reverse order [b, a], got %v", cleanedUp)
	}
}

func TestRunWrapsActionFailureInInitializationError(t *testing.T) {
	boom := errors.New("boom")
	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return nil, boom },
	}

	p := New(mwA)
	err := p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error {
		t.Fatal("consumer must not run after an action failure")
		return nil
	})

	var initErr *crawlerrors.InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitializationError, got %T: %v", err, err)
	}
	if initErr.Middleware != "a" {
		t.Fatalf("expected middleware name %q, got %q", "a", initErr.Middleware)
	}
}

func TestRunPropagatesSessionErrorFromActionUnwrapped(t *testing.T) {
	sessErr := crawlerrors.Session(errors.New("bad cookie"))
	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return nil, sessErr },
	}

	p := New(mwA)
	err := p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error {
		t.Fatal("consumer must not run after a session error")
		return nil
	})

	if !crawlerrors.IsSession(err) {
		t.Fatalf("expected a SessionError to propagate unwrapped, got %T: %v", err, err)
	}
}

func TestRunSkipsRemainingMiddlewaresAfterActionFailure(t *testing.T) {
	ran := map[string]bool{}
	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return nil, errors.New("boom") },
	}
	mwB := Middleware{
		Name: "b",
		Action: func(ctx context.Context, rc *Context) (Extension, error) {
			ran["b"] = true
			return Extension{}, nil
		},
	}

	p := New(mwA, mwB)
	_ = p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error { return nil })

	if ran["b"] {
		t.Fatal("expected middleware b to be skipped after a's action failed")
	}
}

func TestRunWrapsConsumerErrorInHandlerError(t *testing.T) {
	boom := errors.New("handler exploded")
	p := New()
	err := p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error {
		return boom
	})

	var handlerErr *crawlerrors.HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expected HandlerError, got %T: %v", err, err)
	}
}

func TestRunAggregatesCleanupFailuresWithoutOverwritingSessionError(t *testing.T) {
	sessErr := crawlerrors.Session(errors.New("session died"))
	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return Extension{}, nil },
		Cleanup: func(ctx context.Context, rc *Context, err error) error {
			return errors.New("cleanup a failed")
		},
	}

	p := New(mwA)
	err := p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error {
		return sessErr
	})

	if !crawlerrors.IsSession(err) {
		t.Fatalf("expected the prior SessionError to win over a cleanup failure, got %T: %v", err, err)
	}
}

func TestRunReturnsCleanupErrorWhenNoSessionErrorPreceded(t *testing.T) {
	mwA := Middleware{
		Name:   "a",
		Action: func(ctx context.Context, rc *Context) (Extension, error) { return Extension{}, nil },
		Cleanup: func(ctx context.Context, rc *Context, err error) error {
			return errors.New("cleanup a failed")
		},
	}

	p := New(mwA)
	err := p.Run(context.Background(), NewContext(nil), func(ctx context.Context, rc *Context) error { return nil })

	var cleanupErr *crawlerrors.CleanupError
	if !errors.As(err, &cleanupErr) {
		t.Fatalf("expected CleanupError, got %T: %v", err, err)
	}
}

func TestContextMergeRejectsKeyCollisionByDefault(t *testing.T) {
	rc := NewContext(Extension{"x": 1})
	if err := rc.merge(Extension{"x": 2}, false); err == nil {
		t.Fatal("expected a collision on key \"x\" to be rejected")
	}
	if err := rc.merge(Extension{"x": 2}, true); err != nil {
		t.Fatalf("expected AllowOverride to permit the collision, got %v", err)
	}
	v, _ := rc.Get("x")
	if v != 2 {
		t.Fatalf("expected override to win, got %v", v)
	}
}
