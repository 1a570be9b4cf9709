// Package exportrun implements the Run Export/Import feature: a
// whitelisted JSON snapshot of a Run, safe to hand to a UI or store as a
// downloadable file. It never includes OAuth tokens.
package exportrun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trueshuffle/controller/internal/store"
)

// Payload is the exported shape of a Run. Only these fields are ever
// written by Export or read by Import; anything else present in an
// imported document is dropped.
type Payload struct {
	PlaylistID    string    `json:"playlist_id"`
	Mode          string    `json:"mode"`
	ShuffledOrder []string  `json:"shuffled_order"`
	Cursor        int       `json:"cursor"`
	Status        string    `json:"status"`
	ExportedAt    time.Time `json:"exported_at"`
}

// forbiddenFields are stripped from an imported document unconditionally,
// regardless of where they appear, so a malicious or stale export can
// never smuggle a credential back into the store.
var forbiddenFields = []string{"access_token", "refresh_token", "token_data", "secret_key"}

// Export serializes run into its whitelisted JSON form.
func Export(run *store.Run, now time.Time) ([]byte, error) {
	payload := Payload{
		PlaylistID:    run.PlaylistID,
		Mode:          string(run.Mode),
		ShuffledOrder: run.Order,
		Cursor:        run.Cursor,
		Status:        string(run.Status),
		ExportedAt:    now,
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("exportrun: marshal payload: %w", err)
	}
	return out, nil
}

// Import parses raw into a Payload, stripping any token-shaped field
// before decoding so an imported document can never carry a credential
// even if one was present in the source JSON.
func Import(raw []byte) (*Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("exportrun: invalid JSON: %w", err)
	}
	for _, forbidden := range forbiddenFields {
		delete(fields, forbidden)
	}

	cleaned, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("exportrun: re-marshal sanitized payload: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(cleaned, &payload); err != nil {
		return nil, fmt.Errorf("exportrun: decode payload: %w", err)
	}
	if payload.PlaylistID == "" {
		return nil, fmt.Errorf("exportrun: playlist_id is required")
	}
	return &payload, nil
}
