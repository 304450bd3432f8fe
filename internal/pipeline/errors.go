package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrInvalidTransition is returned for discrepancy status changes other than
// open to resolved.
var ErrInvalidTransition = eris.New("invalid discrepancy transition")

// ValidationRunError is a fatal failure scoped to one provider. The
// provider's previously persisted state is left unchanged.
type ValidationRunError struct {
	ProviderID int64
	Err        error
}

func (e *ValidationRunError) Error() string {
	return fmt.Sprintf("pipeline: validate provider %d: %v", e.ProviderID, e.Err)
}

func (e *ValidationRunError) Unwrap() error {
	return e.Err
}
