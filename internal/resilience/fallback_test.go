package resilience

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("tcp://broker:1883", "mqtt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("websocket", "ws://relay/relay/lobby")
	return fg
}

func TestFallbackGroup_Names(t *testing.T) {
	if got := newGroup().Names(); !slices.Equal(got, []string{"mqtt", "websocket"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	var called []string
	err := newGroup().Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"tcp://broker:1883"}) {
		t.Errorf("called = %v", called)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := newGroup()
	got, name, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if strings.HasPrefix(v, "tcp://") {
			return "", errTest
		}
		return "connected:" + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if name != "websocket" || got != "connected:ws://relay/relay/lobby" {
		t.Errorf("got %q from %q", got, name)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := newGroup()
	_, name, err := ExecuteWithResult(fg, func(v string) (int, error) {
		return 0, errors.New("refused " + v)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty", name)
	}
	for _, want := range []string{"mqtt: refused tcp://broker:1883", "websocket: refused ws://relay/relay/lobby"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q misses %q", err, want)
		}
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newGroup()
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if strings.HasPrefix(v, "tcp://") {
				return errTest
			}
			return nil
		})
	}
	if fg.Breaker("mqtt").State() != StateOpen {
		t.Fatalf("mqtt breaker = %v, want open", fg.Breaker("mqtt").State())
	}

	var called []string
	if err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"ws://relay/relay/lobby"}) {
		t.Errorf("called = %v, want only the fallback", called)
	}
	if fg.Breaker("unknown") != nil {
		t.Error("Breaker returned a value for an unknown name")
	}
}
