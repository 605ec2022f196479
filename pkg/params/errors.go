package params

import "fmt"

// ValidationError reports a parameter value rejected by its controller.
// It always names a single parameter so the caller can resubmit a
// corrected value.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for parameter %q: %s", e.Param, e.Reason)
}

// PermissionError reports a write that the caller is not allowed to make:
// modifying a parameter whose controller forbids post-init changes,
// removing or inventing a standard parameter after creation, or issuing a
// phase command without execute rights.
type PermissionError struct {
	Name   string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %q: %s", e.Name, e.Reason)
}
