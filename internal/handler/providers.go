package handler

import (
	"net/http"
	"sort"

	"github.com/capitalize-ai/agent-gateway/internal/breaker"
	"github.com/capitalize-ai/agent-gateway/internal/config"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// ProviderHandler exposes the configured provider families.
type ProviderHandler struct {
	cfg *config.Config
	brk *breaker.Breaker
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(cfg *config.Config, brk *breaker.Breaker) *ProviderHandler {
	return &ProviderHandler{cfg: cfg, brk: brk}
}

// ProviderStatus is one configured upstream and its breaker state.
type ProviderStatus struct {
	Provider model.ProviderFamily `json:"provider"`
	Model    string               `json:"model,omitempty"`
	Circuit  string               `json:"circuit"`
}

// List handles GET /api/v1/providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make([]ProviderStatus, 0, len(h.cfg.Providers))
	for family, pc := range h.cfg.Providers {
		agentCfg := model.AgentConfig{Provider: family, Endpoint: pc.Endpoint}
		out = append(out, ProviderStatus{
			Provider: family,
			Model:    pc.Model,
			Circuit:  h.brk.State(agentCfg.BreakerKey()).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })

	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}
