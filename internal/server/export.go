package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trueshuffle/controller/internal/exportrun"
	"github.com/trueshuffle/controller/internal/store"
)

// RunStore is the narrow persistence capability the export/import
// handlers depend on; *store.DB satisfies it.
type RunStore interface {
	FindOrCreateUser(ctx context.Context, spotifyUserID, displayName string) (*store.User, error)
	GetRunForUser(ctx context.Context, userID, runID int64) (*store.Run, error)
	CreateImportedRun(ctx context.Context, userID int64, playlistID string, mode store.RunMode, order []string, cursor int, status store.RunStatus) (*store.Run, error)
}

// ExportAPI handles the Run Export/Import feature: downloading a run as
// a whitelisted JSON snapshot, and resuming from one.
type ExportAPI struct {
	runs     RunStore
	identity Identity
	now      func() time.Time
}

// NewExportAPI builds an ExportAPI wired to runs and the identity
// resolver fronting it.
func NewExportAPI(runs RunStore, identity Identity) *ExportAPI {
	return &ExportAPI{runs: runs, identity: identity, now: time.Now}
}

// Export handles GET /export/:run_id: download a run's state as JSON,
// scoped to the authenticated user so one account can never read
// another's run.
func (a *ExportAPI) Export(c *gin.Context) {
	userID, ok := a.identity.SpotifyUserID(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Error: "no active session"})
		return
	}

	runID, err := strconv.ParseInt(c.Param("run_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "run_id must be an integer"})
		return
	}

	user, err := a.runs.FindOrCreateUser(c.Request.Context(), userID, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	run, err := a.runs.GetRunForUser(c.Request.Context(), user.ID, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}

	raw, err := exportrun.Export(run, a.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="run_`+c.Param("run_id")+`.json"`)
	c.Data(http.StatusOK, "application/json", raw)
}

// Import handles POST /export/import: parse an uploaded run snapshot and
// create a new active run from it. Any token-shaped field in the upload
// is stripped before it is ever decoded into a Payload.
func (a *ExportAPI) Import(c *gin.Context) {
	userID, ok := a.identity.SpotifyUserID(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody{Error: "no active session"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "could not read request body"})
		return
	}

	payload, err := exportrun.Import(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	user, err := a.runs.FindOrCreateUser(c.Request.Context(), userID, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	run, err := a.runs.CreateImportedRun(c.Request.Context(), user.ID, payload.PlaylistID,
		store.RunMode(payload.Mode), payload.ShuffledOrder, payload.Cursor, store.StatusActive)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "imported", "playlist_id": run.PlaylistID, "run_id": run.ID})
}
