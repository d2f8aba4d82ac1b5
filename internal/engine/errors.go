package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

// BudgetExceededError is returned when a request would push a workspace
// over its monthly budget and the workspace action is block.
type BudgetExceededError struct {
	WorkspaceID string
	Spend       float64
	Estimate    float64
	Limit       float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("engine: workspace %s over monthly budget: spend %.4f + estimate %.4f > limit %.2f",
		e.WorkspaceID, e.Spend, e.Estimate, e.Limit)
}

// ExhaustedError is returned when every primary attempt and the fallback
// failed. Err is the last provider error.
type ExhaustedError struct {
	Attempts int
	Fallback bool
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("engine: provider call failed after %d attempts (fallback tried: %t): %v",
		e.Attempts, e.Fallback, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// HTTPStatus is the upstream status of the last failure, or 0 when the
// failure carried none.
func (e *ExhaustedError) HTTPStatus() int {
	var sc providers.StatusCoder
	if errors.As(e.Err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Timeout reports whether the last failure was an attempt timeout.
func (e *ExhaustedError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// UnavailableError reports a route whose provider has no configured adapter.
type UnavailableError struct {
	Provider providers.Kind
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("engine: no adapter configured for provider %q", e.Provider)
}
