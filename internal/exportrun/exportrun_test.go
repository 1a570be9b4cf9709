package exportrun

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/trueshuffle/controller/internal/store"
)

func TestExportImportRoundTripsWhitelistedFields(t *testing.T) {
	run := &store.Run{
		PlaylistID: "playlist-1",
		Mode:       store.ModeController,
		Order:      []string{"spotify:track:1", "spotify:track:2"},
		Cursor:     1,
		Status:     store.StatusActive,
	}

	raw, err := Export(run, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	got, err := Import(raw)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if got.PlaylistID != run.PlaylistID {
		t.Errorf("PlaylistID = %q, want %q", got.PlaylistID, run.PlaylistID)
	}
	if got.Mode != string(run.Mode) {
		t.Errorf("Mode = %q, want %q", got.Mode, run.Mode)
	}
	if got.Cursor != run.Cursor {
		t.Errorf("Cursor = %d, want %d", got.Cursor, run.Cursor)
	}
	if got.Status != string(run.Status) {
		t.Errorf("Status = %q, want %q", got.Status, run.Status)
	}
	if len(got.ShuffledOrder) != len(run.Order) {
		t.Fatalf("ShuffledOrder length = %d, want %d", len(got.ShuffledOrder), len(run.Order))
	}
	for i := range run.Order {
		if got.ShuffledOrder[i] != run.Order[i] {
			t.Errorf("ShuffledOrder[%d] = %q, want %q", i, got.ShuffledOrder[i], run.Order[i])
		}
	}
}

func TestImportStripsTokenShapedFieldsRegardlessOfPosition(t *testing.T) {
	raw := `{
		"access_token": "leaked-access",
		"playlist_id": "playlist-1",
		"mode": "controller",
		"shuffled_order": ["spotify:track:1"],
		"cursor": 0,
		"status": "active",
		"refresh_token": "leaked-refresh",
		"token_data": {"nested": "leaked"},
		"secret_key": "leaked-secret"
	}`

	payload, err := Import([]byte(raw))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if payload.PlaylistID != "playlist-1" {
		t.Errorf("PlaylistID = %q, want playlist-1", payload.PlaylistID)
	}

	// Re-marshal and confirm none of the forbidden field names survive
	// anywhere in the output, not just as top-level Payload fields.
	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	for _, forbidden := range []string{"access_token", "refresh_token", "token_data", "secret_key", "leaked"} {
		if strings.Contains(string(out), forbidden) {
			t.Errorf("re-marshaled payload contains forbidden field %q: %s", forbidden, out)
		}
	}
}

func TestImportRejectsMissingPlaylistID(t *testing.T) {
	_, err := Import([]byte(`{"mode": "controller"}`))
	if err == nil {
		t.Error("Import() with no playlist_id error = nil, want error")
	}
}

func TestImportRejectsInvalidJSON(t *testing.T) {
	_, err := Import([]byte(`not json`))
	if err == nil {
		t.Error("Import() with invalid JSON error = nil, want error")
	}
}
