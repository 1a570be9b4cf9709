// Package server implements the Command API boundary: thin HTTP+JSON
// handlers that translate start/status/next/stop/refresh/list_devices
// into Controller Registry operations.
package server

import (
	"context"
	"net/http"

	"github.com/trueshuffle/controller/internal/controller"
)

// Controller is the narrow capability boundary the Command API boundary
// depends on. A *controller.Registry satisfies it; tests substitute a
// fake so handler wiring can be exercised without a real Spotify account
// or database.
type Controller interface {
	Start(ctx context.Context, spotifyUserID, playlistID string) (controller.Snapshot, error)
	Status(ctx context.Context, spotifyUserID, playlistID string) (controller.Snapshot, error)
	Next(ctx context.Context, spotifyUserID, playlistID string) (controller.Snapshot, error)
	Stop(ctx context.Context, spotifyUserID, playlistID string) (controller.Snapshot, error)
	Refresh(ctx context.Context, spotifyUserID, playlistID string) (controller.Snapshot, error)
	ListDevices(ctx context.Context, spotifyUserID string) ([]controller.Device, error)
}

// PlaylistRequest is the body shared by start/next/stop/refresh.
type PlaylistRequest struct {
	PlaylistID string `json:"playlist_id" binding:"required"`
}

// DeviceResponse is one entry of the list_devices response.
type DeviceResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsActive bool   `json:"is_active"`
}

// errorBody is the shape returned for every non-2xx Command API
// response.
type errorBody struct {
	Error string `json:"error"`
}

// Identity resolves the authenticated Spotify user id for a request. The
// browser-facing OAuth/session-cookie flow is an external collaborator;
// this interface is the seam the Command API boundary reads through, the
// same way internal/remote reads tokens through TokenStore.
type Identity interface {
	SpotifyUserID(r *http.Request) (string, bool)
}

// HeaderIdentity resolves identity from a single trusted header, set by
// whatever session middleware sits in front of this module in
// production. It exists so the Command API boundary is runnable
// standalone without wiring a real cookie-session store.
type HeaderIdentity struct {
	HeaderName string
}

// NewHeaderIdentity returns a HeaderIdentity reading header.
func NewHeaderIdentity(header string) HeaderIdentity {
	return HeaderIdentity{HeaderName: header}
}

func (h HeaderIdentity) SpotifyUserID(r *http.Request) (string, bool) {
	id := r.Header.Get(h.HeaderName)
	if id == "" {
		return "", false
	}
	return id, true
}
