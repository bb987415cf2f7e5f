// Package model defines data structures for the streaming chat proxy.
package model

// ProviderFamily identifies one of the supported upstream provider
// protocols. The set is closed; adapter selection is explicit dispatch on
// this value.
type ProviderFamily string

const (
	ProviderOpenAI    ProviderFamily = "openai"
	ProviderAnthropic ProviderFamily = "anthropic"
	ProviderFastGPT   ProviderFamily = "fastgpt"
	ProviderDify      ProviderFamily = "dify"
)

// Valid reports whether the family is one of the supported providers.
func (p ProviderFamily) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderFastGPT, ProviderDify:
		return true
	}
	return false
}

// AgentConfig is the already-resolved upstream target for one request:
// provider family, endpoint, credential and model. It is immutable for the
// lifetime of a request and owned by the caller.
type AgentConfig struct {
	Provider   ProviderFamily    `json:"provider"`
	Endpoint   string            `json:"endpoint"`
	Credential string            `json:"-"`
	Model      string            `json:"model"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// BreakerKey is the circuit breaker key for this upstream: per
// (provider, endpoint), not per model.
func (c *AgentConfig) BreakerKey() string {
	return string(c.Provider) + "|" + c.Endpoint
}
