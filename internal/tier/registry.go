package tier

import (
	"errors"
	"fmt"

	"github.com/tiergate/tiergate/internal/config"
)

// ErrModelConflict means two tiers were configured with the same expected
// model, which makes resolution ambiguous. It is fatal at startup.
var ErrModelConflict = errors.New("duplicate tier model")

// Entry is one tier's routing configuration: the model name clients declare
// to land on this tier, and an optional dedicated provider. A nil Provider
// means the tier falls through to the default upstream with the caller's
// own credentials.
type Entry struct {
	Model    string
	Provider *Provider
}

// Registry is the process-wide tier table. It is built once at startup and
// never written afterward, so concurrent handlers read it without locking.
type Registry struct {
	entries map[Tier]Entry
	byModel map[string]Tier
}

// NewRegistry builds a registry from per-tier entries. Every tier must be
// present; configuring the same model on two tiers returns ErrModelConflict.
func NewRegistry(entries map[Tier]Entry) (*Registry, error) {
	byModel := make(map[string]Tier, len(entries))
	for _, t := range All() {
		e, ok := entries[t]
		if !ok {
			return nil, fmt.Errorf("tier %s missing from configuration", t)
		}
		if e.Model == "" {
			return nil, fmt.Errorf("tier %s has no expected model", t)
		}
		if prev, dup := byModel[e.Model]; dup {
			return nil, fmt.Errorf("%w: tiers %s and %s both expect model %q", ErrModelConflict, prev, t, e.Model)
		}
		byModel[e.Model] = t
	}

	copied := make(map[Tier]Entry, len(entries))
	for t, e := range entries {
		copied[t] = e
	}
	return &Registry{entries: copied, byModel: byModel}, nil
}

// BuildRegistry constructs the registry from the loaded configuration.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	entries := make(map[Tier]Entry, 3)
	for t, tc := range map[Tier]config.TierConfig{
		Haiku:  cfg.Tiers.Haiku,
		Sonnet: cfg.Tiers.Sonnet,
		Opus:   cfg.Tiers.Opus,
	} {
		e := Entry{Model: tc.Model}
		if tc.BaseURL != "" {
			e.Provider = &Provider{BaseURL: tc.BaseURL, APIKey: tc.APIKey}
		}
		entries[t] = e
	}
	return NewRegistry(entries)
}

// Decision is the outcome of resolving one request's declared model.
// Matched is false when the model maps to no tier; Provider is nil whenever
// the request must pass through to the default upstream with the original
// headers intact.
type Decision struct {
	Tier     Tier
	Matched  bool
	Provider *Provider
}

// Passthrough reports whether the request goes to the default upstream with
// the caller's own credentials.
func (d Decision) Passthrough() bool { return d.Provider == nil }

// Route resolves a declared model to a routing decision. Matching is exact
// and case-sensitive; an unknown or empty model yields a passthrough
// decision rather than an error.
func (r *Registry) Route(model string) Decision {
	t, ok := r.byModel[model]
	if !ok {
		return Decision{}
	}
	return Decision{Tier: t, Matched: true, Provider: r.entries[t].Provider}
}

// Entry returns the configuration for one tier.
func (r *Registry) Entry(t Tier) (Entry, bool) {
	e, ok := r.entries[t]
	return e, ok
}

// Status is the operational snapshot of one tier, as exposed on /health.
type Status struct {
	Model             string `json:"model"`
	ProviderSet       bool   `json:"provider_set"`
	APIKeySet         bool   `json:"api_key_set"`
	UsesOAuthFallback bool   `json:"uses_oauth_fallback"`
}

// Report summarizes every tier without touching the network.
func (r *Registry) Report() map[Tier]Status {
	report := make(map[Tier]Status, len(r.entries))
	for t, e := range r.entries {
		s := Status{
			Model:             e.Model,
			UsesOAuthFallback: e.Provider == nil,
		}
		if e.Provider != nil {
			s.ProviderSet = true
			s.APIKeySet = e.Provider.APIKey != ""
		}
		report[t] = s
	}
	return report
}
