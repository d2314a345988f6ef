package tower

import "fmt"

// ValidationError is a malformed request, surfaced to the client as 400.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation failed: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// InspectionError is a protocol invariant the mode's inspector rejected,
// surfaced to the client as 400.
type InspectionError struct {
	Err error
}

func (e *InspectionError) Error() string { return fmt.Sprintf("inspection failed: %v", e.Err) }
func (e *InspectionError) Unwrap() error { return e.Err }
