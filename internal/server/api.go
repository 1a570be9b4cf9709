package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trueshuffle/controller/internal/controller"
	"github.com/trueshuffle/controller/internal/remote"
)

// API handles the Command API boundary's HTTP endpoints, translating
// start/status/next/stop/refresh/list_devices into Registry calls.
type API struct {
	registry Controller
	identity Identity
}

// NewAPI builds an API wired to registry and the identity resolver
// fronting it.
func NewAPI(registry Controller, identity Identity) *API {
	return &API{registry: registry, identity: identity}
}

func (a *API) userID(c *gin.Context) (string, bool) {
	id, ok := a.identity.SpotifyUserID(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Error: "no active session"})
	}
	return id, ok
}

func (a *API) playlistID(c *gin.Context) (string, bool) {
	var req PlaylistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PlaylistID == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "playlist_id is required"})
		return "", false
	}
	return req.PlaylistID, true
}

// Start handles `start`: look up or create the Run, hard-play, fill the
// buffer, and launch the reconciliation loop.
func (a *API) Start(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}
	playlistID, ok := a.playlistID(c)
	if !ok {
		return
	}

	snap, err := a.registry.Start(c.Request.Context(), userID, playlistID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Status handles `status`: the current snapshot, or an idle snapshot if
// there is no live Session.
func (a *API) Status(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}
	playlistID := c.Query("playlist_id")
	if playlistID == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "playlist_id is required"})
		return
	}

	snap, err := a.registry.Status(c.Request.Context(), userID, playlistID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Next handles `next`: advance the cursor by one track.
func (a *API) Next(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}
	playlistID, ok := a.playlistID(c)
	if !ok {
		return
	}

	snap, err := a.registry.Next(c.Request.Context(), userID, playlistID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Stop handles `stop`: cancel the loop, await its termination, and
// persist the cursor. Device playback is left untouched.
func (a *API) Stop(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}
	playlistID, ok := a.playlistID(c)
	if !ok {
		return
	}

	snap, err := a.registry.Stop(c.Request.Context(), userID, playlistID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Refresh handles `refresh`: stop any running Session, cancel its Run,
// and start a freshly-shuffled one.
func (a *API) Refresh(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}
	playlistID, ok := a.playlistID(c)
	if !ok {
		return
	}

	snap, err := a.registry.Refresh(c.Request.Context(), userID, playlistID)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListDevices handles `list_devices`.
func (a *API) ListDevices(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		return
	}

	devices, err := a.registry.ListDevices(c.Request.Context(), userID)
	if err != nil {
		a.respondError(c, err)
		return
	}

	out := make([]DeviceResponse, len(devices))
	for i, d := range devices {
		out[i] = DeviceResponse{ID: d.ID, Name: d.Name, Type: d.Type, IsActive: d.IsActive}
	}
	c.JSON(http.StatusOK, out)
}

// respondError maps the error-handling design's typed errors onto the
// Command API's HTTP status codes.
func (a *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, controller.ErrNoSession):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, remote.ErrInvalidRun):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, remote.ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, remote.ErrPremiumRequired):
		c.JSON(http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, remote.ErrTransientRemote), errors.Is(err, remote.ErrRateLimited):
		c.JSON(http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}
