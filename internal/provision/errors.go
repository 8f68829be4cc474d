package provision

import (
	"fmt"
	"net/http"
)

// ProvisioningError is a failure reported by, or on the way to, the
// provisioning API.
type ProvisioningError struct {
	Operation string
	// Status is the HTTP status, or 0 if no response was received.
	Status int
	Body   string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provisioning %s: HatchVM API error (%d): %s", e.Operation, e.Status, e.Body)
	}
	return fmt.Sprintf("provisioning %s: %v", e.Operation, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call may succeed.
func (e *ProvisioningError) Temporary() bool {
	return e.Status == 0 || e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}
