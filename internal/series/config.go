// Package series owns the per-session mapping from series key to
// calculator instance, plus the opaque state blob used by snapshot and
// restore. One registry belongs to exactly one session goroutine, so no
// locks are needed.
package series

import (
	"fmt"

	"indicator-udfv1/internal/indicator"
)

// Config is the session's indicator configuration, fixed at Options time
// and never mutated afterwards. A changed configuration requires a new
// session.
type Config struct {
	Kind        indicator.Kind
	Period      int
	SourceField string // numeric field read from each point
	OutputField string // field written to the output point
	KeyField    string // tag used to compute the series key
}

// Validate checks the invariants the protocol promises: period >= 1 and
// all field names present. A period of 0 is a configuration error, not a
// runtime fallback.
func (c Config) Validate() error {
	if c.Period < 1 {
		return fmt.Errorf("period must be >= 1, got %d", c.Period)
	}
	if c.SourceField == "" {
		return fmt.Errorf("source field name is required")
	}
	if c.OutputField == "" {
		return fmt.Errorf("output field name is required")
	}
	if c.KeyField == "" {
		return fmt.Errorf("ticker field name is required")
	}
	if _, err := indicator.ParseKind(string(c.Kind)); err != nil {
		return err
	}
	return nil
}
