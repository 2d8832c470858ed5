package presence

import (
	"context"
	"errors"

	"github.com/MrWong99/hushline/internal/resilience"
)

// ErrNoDialers is returned by [DialFirst] when it is given nothing to try.
var ErrNoDialers = errors.New("presence: no transport dialers")

// Dialer connects one named transport.
type Dialer struct {
	Name string
	Dial func(ctx context.Context) (Transport, error)
}

// DialFirst tries dialers in order and returns the first transport that
// connects, with the name of its dialer. Each dialer is attempted once.
func DialFirst(ctx context.Context, dialers ...Dialer) (Transport, string, error) {
	if len(dialers) == 0 {
		return nil, "", ErrNoDialers
	}
	cfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1}}
	fg := resilience.NewFallbackGroup(dialers[0], dialers[0].Name, cfg)
	for _, d := range dialers[1:] {
		fg.AddFallback(d.Name, d)
	}
	return resilience.ExecuteWithResult(fg, func(d Dialer) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.Dial(ctx)
	})
}
