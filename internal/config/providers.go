package config

import (
	"fmt"
	"time"
)

// Provider family names. Each family corresponds to one adapter variant.
const (
	FamilyNative     = "native"
	FamilyReasoning  = "reasoning"
	FamilyBedrock    = "bedrock"
	FamilyAlternate  = "alternate"
	FamilyStreamOnly = "streamonly"
)

// ProvidersConfig holds per-family connection settings.
type ProvidersConfig struct {
	Native     *ProviderConfig `yaml:"native"`
	Reasoning  *ProviderConfig `yaml:"reasoning"`
	Bedrock    *ProviderConfig `yaml:"bedrock"`
	Alternate  *ProviderConfig `yaml:"alternate"`
	StreamOnly *ProviderConfig `yaml:"streamonly"`
}

// ProviderConfig is one backend family's connection settings.
type ProviderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`

	// Region applies to the SigV4-signed family only.
	Region string `yaml:"region,omitempty"`

	// Headers are added to every request (e.g. API version betas).
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ForFamily returns the settings for a family name.
func (p *ProvidersConfig) ForFamily(family string) (*ProviderConfig, bool) {
	var cfg *ProviderConfig
	switch family {
	case FamilyNative:
		cfg = p.Native
	case FamilyReasoning:
		cfg = p.Reasoning
	case FamilyBedrock:
		cfg = p.Bedrock
	case FamilyAlternate:
		cfg = p.Alternate
	case FamilyStreamOnly:
		cfg = p.StreamOnly
	}
	return cfg, cfg != nil
}

// ModelConfig binds one public model id to a provider family. This is the
// static model-to-provider map the router serves: nothing is inferred at
// runtime.
type ModelConfig struct {
	// ID is the model identifier callers put in requests.
	ID string `yaml:"id"`

	// Family selects the adapter variant.
	Family string `yaml:"family"`

	// Upstream is the backend's own model name when it differs from ID.
	Upstream string `yaml:"upstream,omitempty"`
}

// UpstreamModel returns the backend-facing model name.
func (m *ModelConfig) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

// Validate checks one model binding.
func (m *ModelConfig) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	switch m.Family {
	case FamilyNative, FamilyReasoning, FamilyBedrock, FamilyAlternate, FamilyStreamOnly:
		return nil
	case "":
		return fmt.Errorf("model %q: family is required", m.ID)
	default:
		return fmt.Errorf("model %q: unknown provider family %q", m.ID, m.Family)
	}
}
