package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/trackproxy/pkg/httpclient"
)

// CircuitBreakerHandler handles circuit breaker API endpoints.
type CircuitBreakerHandler struct {
	registry BreakerRegistry
}

// NewCircuitBreakerHandler creates a new circuit breaker handler.
func NewCircuitBreakerHandler(registry BreakerRegistry) *CircuitBreakerHandler {
	if registry == nil {
		registry = httpclient.DefaultRegistry
	}
	return &CircuitBreakerHandler{registry: registry}
}

// Register registers the circuit breaker routes with the API.
func (h *CircuitBreakerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listCircuitBreakers",
		Method:      "GET",
		Path:        "/api/v1/circuit-breakers",
		Summary:     "List circuit breakers",
		Description: "Returns the breaker state of each upstream client",
		Tags:        []string{"Circuit Breakers"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "resetCircuitBreaker",
		Method:      "POST",
		Path:        "/api/v1/circuit-breakers/{name}/reset",
		Summary:     "Reset a circuit breaker",
		Description: "Resets a specific circuit breaker to closed state",
		Tags:        []string{"Circuit Breakers"},
	}, h.Reset)

	huma.Register(api, huma.Operation{
		OperationID: "resetAllCircuitBreakers",
		Method:      "POST",
		Path:        "/api/v1/circuit-breakers/reset",
		Summary:     "Reset all circuit breakers",
		Tags:        []string{"Circuit Breakers"},
	}, h.ResetAll)
}

// ListCircuitBreakersInput is the input for listing breakers.
type ListCircuitBreakersInput struct{}

// ListCircuitBreakersOutput is the output for listing breakers.
type ListCircuitBreakersOutput struct {
	Body struct {
		CircuitBreakers []httpclient.CircuitBreakerStatus `json:"circuit_breakers"`
	}
}

// ResetCircuitBreakerInput names the breaker to reset.
type ResetCircuitBreakerInput struct {
	Name string `path:"name" doc:"Client name, e.g. catalog or audio"`
}

// ResetCircuitBreakerOutput reports what was reset.
type ResetCircuitBreakerOutput struct {
	Body struct {
		Reset []string `json:"reset"`
	}
}

// ResetAllCircuitBreakersInput is the input for resetting every breaker.
type ResetAllCircuitBreakersInput struct{}

// List returns every breaker.
func (h *CircuitBreakerHandler) List(_ context.Context, _ *ListCircuitBreakersInput) (*ListCircuitBreakersOutput, error) {
	out := &ListCircuitBreakersOutput{}
	out.Body.CircuitBreakers = h.registry.Statuses()
	return out, nil
}

// Reset closes one breaker.
func (h *CircuitBreakerHandler) Reset(_ context.Context, input *ResetCircuitBreakerInput) (*ResetCircuitBreakerOutput, error) {
	if !h.registry.Reset(input.Name) {
		return nil, huma.Error404NotFound("unknown circuit breaker: " + input.Name)
	}
	out := &ResetCircuitBreakerOutput{}
	out.Body.Reset = []string{input.Name}
	return out, nil
}

// ResetAll closes every breaker.
func (h *CircuitBreakerHandler) ResetAll(_ context.Context, _ *ResetAllCircuitBreakersInput) (*ResetCircuitBreakerOutput, error) {
	out := &ResetCircuitBreakerOutput{}
	out.Body.Reset = []string{}
	for _, name := range h.registry.Names() {
		if h.registry.Reset(name) {
			out.Body.Reset = append(out.Body.Reset, name)
		}
	}
	return out, nil
}
