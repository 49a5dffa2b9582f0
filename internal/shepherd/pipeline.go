package shepherd

import (
	"context"
	"fmt"
)

// step is one named stage of the setup pipeline.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// runPipeline runs steps in order and stops at the first failure.
func runPipeline(ctx context.Context, steps []step) error {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("setup step %q: %w", st.name, err)
		}
		if err := st.run(ctx); err != nil {
			return fmt.Errorf("setup step %q: %w", st.name, err)
		}
	}
	return nil
}
