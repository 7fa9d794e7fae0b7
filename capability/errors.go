package capability

import "fmt"

// UnavailableError means a capability was not provided. Strategies recover
// from it with their capability-free path.
type UnavailableError struct {
	Capability Name
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("capability %s unavailable", e.Capability)
}

// CallFailedError is returned when a capability call failed after all
// attempts, or was rejected by an open circuit.
type CallFailedError struct {
	Capability Name
	Attempts   int
	Err        error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("capability %s failed after %d attempt(s): %v", e.Capability, e.Attempts, e.Err)
}

func (e *CallFailedError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a capability's breaker rejects a call.
type CircuitOpenError struct {
	Capability Name
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for capability %s", e.Capability)
}
