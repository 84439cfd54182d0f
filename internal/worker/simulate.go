package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/branchchat/branchd/internal/tree"
)

// Simulator is a deterministic Generator for development and tests:
// it echoes the latest user message after an optional delay. Selected
// with provider=simulate, so the full create→pending→complete cycle
// works without provider credentials.
type Simulator struct {
	// Delay before answering; zero answers immediately.
	Delay time.Duration
}

// Generate implements tree.Generator.
func (s *Simulator) Generate(ctx context.Context, msgs []tree.Message) (string, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == tree.RoleUser {
			last = msgs[i].Content
			break
		}
	}
	return fmt.Sprintf("[simulated] You said: %s", last), nil
}
