package hook

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enricher(name string, fn func(ctx context.Context, req Request) (map[string]any, error)) Enricher {
	return EnricherFunc{HookName: name, Fn: fn}
}

func TestRunMergesClaims(t *testing.T) {
	r := NewRunner([]Enricher{
		enricher("dept", func(context.Context, Request) (map[string]any, error) {
			return map[string]any{"department": "finance", "level": 1}, nil
		}),
		enricher("level", func(context.Context, Request) (map[string]any, error) {
			return map[string]any{"level": 2}, nil
		}),
	})

	claims, err := r.Run(context.Background(), Request{UserID: "usr_1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if claims["department"] != "finance" {
		t.Fatalf("claims = %v", claims)
	}
	if claims["level"] != 2 {
		t.Fatalf("later enricher should win: %v", claims)
	}
}

func TestRunNoEnrichers(t *testing.T) {
	claims, err := NewRunner(nil).Run(context.Background(), Request{})
	if err != nil || claims != nil {
		t.Fatalf("got %v, %v", claims, err)
	}
}

func TestRunFailureFailsExchange(t *testing.T) {
	r := NewRunner([]Enricher{
		enricher("broken", func(context.Context, Request) (map[string]any, error) {
			return nil, errors.New("upstream down")
		}),
	})

	if _, err := r.Run(context.Background(), Request{}); !errors.Is(err, ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner([]Enricher{
		enricher("slow", func(ctx context.Context, _ Request) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{"late": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Run(context.Background(), Request{})
	if !errors.Is(err, ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not honored")
	}
}

func TestRunTimeoutIgnoringContext(t *testing.T) {
	// A hook that never checks its context must still be abandoned.
	r := NewRunner([]Enricher{
		enricher("stubborn", func(context.Context, Request) (map[string]any, error) {
			time.Sleep(5 * time.Second)
			return nil, nil
		}),
	}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	if _, err := r.Run(context.Background(), Request{}); !errors.Is(err, ErrHookFailed) {
		t.Fatalf("expected ErrHookFailed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("runner waited for a stubborn hook")
	}
}
