package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// nodeTimeout picks the node's own Timeout option over the graph-wide default.
// Zero means unlimited.
func nodeTimeout(spec *nodeSpec, defaultTimeout time.Duration) time.Duration {
	if spec.timeout > 0 {
		return spec.timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runWithTimeout executes the node under its timeout. A node that outlives its
// deadline yields a NODE_TIMEOUT EngineError in place of its result.
func runWithTimeout(ctx context.Context, spec *nodeSpec, state State, defaultTimeout time.Duration) NodeResult {
	timeout := nodeTimeout(spec, defaultTimeout)
	if timeout == 0 {
		return spec.node.Run(ctx, state)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := spec.node.Run(tctx, state)
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return NodeResult{Err: &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", spec.name, timeout),
			Code:    "NODE_TIMEOUT",
		}}
	}
	return result
}
