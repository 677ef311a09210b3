package series

import (
	"encoding/json"
	"fmt"

	"indicator-udfv1/internal/indicator"
)

// Registry maps series keys to calculator instances, created lazily on
// the first point for a previously-unseen key. Distinct keys never share
// calculator state; one calculator serves one key for the registry's
// lifetime.
type Registry struct {
	cfg    Config
	states map[string]indicator.Calculator
}

// NewRegistry creates an empty registry for a validated config.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:    cfg,
		states: make(map[string]indicator.Calculator, 64),
	}, nil
}

// Config returns the immutable session config.
func (r *Registry) Config() Config { return r.cfg }

// Resolve returns the calculator for key, creating a fresh one on first
// use. The config was validated at construction, so creation cannot fail.
func (r *Registry) Resolve(key string) indicator.Calculator {
	calc, ok := r.states[key]
	if !ok {
		calc, _ = indicator.New(r.cfg.Kind, r.cfg.Period)
		r.states[key] = calc
	}
	return calc
}

// Len returns the number of distinct series seen so far.
func (r *Registry) Len() int { return len(r.states) }

// Reset clears all per-series state. Used when a restore replaces the
// whole registry.
func (r *Registry) Reset() {
	r.states = make(map[string]indicator.Calculator, 64)
}

// stateBlob is the serialized registry. Version gates forward-compatible
// schema changes; the encoding is opaque to everything outside this
// package.
type stateBlob struct {
	Version int                           `json:"version"`
	Kind    indicator.Kind                `json:"kind"`
	Period  int                           `json:"period"`
	States  map[string]indicator.Snapshot `json:"states"`
}

const blobVersion = 1

// Snapshot serializes all per-series state into an opaque blob.
func (r *Registry) Snapshot() ([]byte, error) {
	blob := stateBlob{
		Version: blobVersion,
		Kind:    r.cfg.Kind,
		Period:  r.cfg.Period,
		States:  make(map[string]indicator.Snapshot, len(r.states)),
	}
	for key, calc := range r.states {
		blob.States[key] = calc.Snapshot()
	}
	return json.Marshal(&blob)
}

// Restore replaces all per-series state from a blob previously produced
// by Snapshot. All-or-nothing: on any error the registry is unchanged.
func (r *Registry) Restore(data []byte) error {
	states, err := decodeStates(data)
	if err != nil {
		return err
	}
	r.states = states
	return nil
}

// decodeStates parses and fully validates a blob without touching any
// live registry.
func decodeStates(data []byte) (map[string]indicator.Calculator, error) {
	var blob stateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode state blob: %w", err)
	}
	if blob.Version != blobVersion {
		return nil, fmt.Errorf("unsupported state blob version %d", blob.Version)
	}

	states := make(map[string]indicator.Calculator, len(blob.States))
	for key, snap := range blob.States {
		calc, err := indicator.Restore(snap)
		if err != nil {
			return nil, fmt.Errorf("restore series %q: %w", key, err)
		}
		states[key] = calc
	}
	return states, nil
}

// ValidateBlob checks a state blob without applying it. Used when a
// restore arrives before the registry exists.
func ValidateBlob(data []byte) error {
	_, err := decodeStates(data)
	return err
}
