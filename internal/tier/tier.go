// Package tier models the fixed set of model tiers the proxy routes between
// and the immutable registry that maps declared model names onto them.
package tier

// Tier is one of the three request classes the proxy distinguishes, named
// after the model classes they conventionally carry.
type Tier string

const (
	Haiku  Tier = "haiku"
	Sonnet Tier = "sonnet"
	Opus   Tier = "opus"
)

// All returns the tiers in their canonical order.
func All() []Tier {
	return []Tier{Haiku, Sonnet, Opus}
}

func (t Tier) String() string { return string(t) }

// Provider is a dedicated upstream for one tier: where to send the request
// and which credential to substitute for the caller's. An empty APIKey is
// valid and means the outbound request carries no Authorization header
// (local upstreams such as Ollama).
type Provider struct {
	BaseURL string
	APIKey  string
}
