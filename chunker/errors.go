package chunker

import (
	"fmt"

	"github.com/hazyhaar/chunkpipe/capability"
)

// MissingCapabilityError is returned by chunkers whose policy cannot run
// without a collaborator. They fail instead of returning the input
// unsegmented.
type MissingCapabilityError struct {
	Policy     Policy
	Capability capability.Name
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("chunker %s requires the %s capability", e.Policy, e.Capability)
}

func (e *MissingCapabilityError) Unwrap() error {
	return &capability.UnavailableError{Capability: e.Capability}
}
