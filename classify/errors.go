package classify

import "fmt"

// UnsupportedSourceError is returned when no source kind matches.
type UnsupportedSourceError struct {
	Source string
	Reason string
}

func (e *UnsupportedSourceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported source %q", e.Source)
	}
	return fmt.Sprintf("unsupported source %q: %s", e.Source, e.Reason)
}
