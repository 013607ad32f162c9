package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/trackproxy/internal/profile"
)

// ProfileHandler lists client capability profiles.
type ProfileHandler struct {
	profiles ProfileSource
}

// NewProfileHandler creates a profile handler.
func NewProfileHandler(profiles ProfileSource) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// Register registers the profile routes with the API.
func (h *ProfileHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listProfiles",
		Method:      "GET",
		Path:        "/api/v1/profiles",
		Summary:     "List client profiles",
		Tags:        []string{"Profiles"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "resolveProfile",
		Method:      "GET",
		Path:        "/api/v1/profiles/{device}",
		Summary:     "Resolve a device name",
		Description: "Returns the profile used for a device, falling back to the generic profile",
		Tags:        []string{"Profiles"},
	}, h.Resolve)
}

// ListProfilesInput is the input for listing profiles.
type ListProfilesInput struct{}

// ListProfilesOutput is the output for listing profiles.
type ListProfilesOutput struct {
	Body struct {
		Profiles []profile.Profile `json:"profiles"`
	}
}

// ResolveProfileInput names the device to resolve.
type ResolveProfileInput struct {
	Device string `path:"device" doc:"Device name as sent by the client"`
}

// ResolveProfileOutput is the profile a device resolves to.
type ResolveProfileOutput struct {
	Body profile.Profile
}

// List returns every loaded profile.
func (h *ProfileHandler) List(_ context.Context, _ *ListProfilesInput) (*ListProfilesOutput, error) {
	out := &ListProfilesOutput{}
	out.Body.Profiles = h.profiles.List()
	return out, nil
}

// Resolve returns the profile for a device.
func (h *ProfileHandler) Resolve(_ context.Context, input *ResolveProfileInput) (*ResolveProfileOutput, error) {
	return &ResolveProfileOutput{Body: h.profiles.Get(input.Device)}, nil
}
