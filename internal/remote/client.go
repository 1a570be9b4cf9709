// Package remote implements the Spotify Web API surface the controller
// needs: device/playback reads, playback mutation, and the playlist reads
// and writes required to build and export a run.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiBase is a var rather than a const so tests can point the client at an
// httptest server instead of the real Spotify Web API.
var apiBase = "https://api.spotify.com/v1"

const (
	accountsURL = "https://accounts.spotify.com/api/token"

	maxRetries429 = 3
	maxRetries5xx = 3
)

// Client is a per-process Spotify Web API client shared across all users;
// per-user auth is resolved on every call through TokenStore, and the
// caller is responsible for holding the Per-User Serializer's lock around
// any Player-mutating/observing call before invoking this client.
type Client struct {
	http     *resty.Client
	tokens   TokenStore
	clientID string
}

// NewClient builds a Client with explicit dial and response timeouts.
func NewClient(clientID string, connTimeout, readTimeout time.Duration, tokens TokenStore) *Client {
	httpClient := &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connTimeout}).DialContext,
		},
	}

	return &Client{
		http:     resty.NewWithClient(httpClient),
		tokens:   tokens,
		clientID: clientID,
	}
}

// ensureValidToken returns a usable access token for spotifyUserID,
// refreshing it first if it is within 60 seconds of expiry.
func (c *Client) ensureValidToken(ctx context.Context, spotifyUserID string) (*Token, error) {
	tok, err := c.tokens.Load(ctx, spotifyUserID)
	if err != nil {
		return nil, fmt.Errorf("remote: load token: %w", err)
	}
	if tok == nil {
		return nil, ErrAuthExpired
	}
	if time.Until(tok.ExpiresAt) < 60*time.Second {
		refreshed, err := c.refreshToken(ctx, spotifyUserID, tok)
		if err != nil {
			return nil, err
		}
		tok = refreshed
	}
	return tok, nil
}

func (c *Client) refreshToken(ctx context.Context, spotifyUserID string, tok *Token) (*Token, error) {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": tok.RefreshToken,
			"client_id":     c.clientID,
		}).
		SetResult(&body).
		Post(accountsURL)
	if err != nil {
		return nil, fmt.Errorf("remote: refresh request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, ErrAuthExpired
	}

	refreshed := &Token{
		AccessToken:  body.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if body.RefreshToken != "" {
		refreshed.RefreshToken = body.RefreshToken
	}
	if err := c.tokens.Save(ctx, spotifyUserID, refreshed); err != nil {
		return nil, fmt.Errorf("remote: save refreshed token: %w", err)
	}
	return refreshed, nil
}

// requestSpec describes one authenticated call to the Spotify API; do
// builds and executes it under the retry matrix.
type requestSpec struct {
	method string
	path   string
	query  map[string]string
	body   any
	result any
}

// do executes spec against the Spotify Web API under the retry matrix
// from the controller's error-handling design: 429 sleeps Retry-After
// plus jitter up to 3 attempts, 5xx/timeouts use exponential backoff
// capped at 30s up to 3 attempts, a single 401 triggers one token refresh
// and retry, 403 and 404 are terminal, and any other 4xx is returned as
// ClientError.
func (c *Client) do(ctx context.Context, spotifyUserID string, spec requestSpec) (*resty.Response, error) {
	attempt429 := 0
	attempt5xx := 0
	refreshed401 := false

	for {
		tok, err := c.ensureValidToken(ctx, spotifyUserID)
		if err != nil {
			return nil, err
		}

		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(tok.AccessToken)
		if spec.query != nil {
			req.SetQueryParams(spec.query)
		}
		if spec.body != nil {
			req.SetBody(spec.body)
		}
		if spec.result != nil {
			req.SetResult(spec.result)
		}

		resp, reqErr := req.Execute(spec.method, apiBase+spec.path)

		if reqErr != nil {
			// Network-level failure, including timeouts: counts as one
			// retryable attempt against the 5xx budget.
			attempt5xx++
			if attempt5xx >= maxRetries5xx {
				return nil, fmt.Errorf("%w: %v", ErrTransientRemote, reqErr)
			}
			sleepBackoff(ctx, attempt5xx)
			continue
		}

		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			attempt429++
			logAttempt(spec.path, resp.StatusCode(), attempt429)
			if attempt429 >= maxRetries429 {
				return nil, ErrRateLimited
			}
			sleepRetryAfter(ctx, resp.Header().Get("Retry-After"))
			continue

		case resp.StatusCode() >= 500:
			attempt5xx++
			logAttempt(spec.path, resp.StatusCode(), attempt5xx)
			if attempt5xx >= maxRetries5xx {
				return nil, ErrTransientRemote
			}
			sleepBackoff(ctx, attempt5xx)
			continue

		case resp.StatusCode() == http.StatusUnauthorized:
			if refreshed401 {
				return nil, ErrAuthExpired
			}
			refreshed401 = true
			if _, err := c.refreshToken(ctx, spotifyUserID, tok); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode() == http.StatusForbidden:
			return nil, ErrPremiumRequired

		case resp.StatusCode() == http.StatusNotFound:
			return nil, ErrNotFound

		case resp.StatusCode() >= 400:
			return nil, &ClientError{Status: resp.StatusCode(), Body: string(resp.Body())}
		}

		return resp, nil
	}
}

func sleepRetryAfter(ctx context.Context, header string) {
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		seconds = 1
	}
	jitter := time.Duration(rand.Float64() * float64(500*time.Millisecond))
	sleepCtx(ctx, time.Duration(seconds)*time.Second+jitter)
}

func sleepBackoff(ctx context.Context, attempt int) {
	base := 0.5 * math.Pow(2, float64(attempt))
	jitter := rand.Float64() * 0.5
	wait := time.Duration(math.Min(base+jitter, 30) * float64(time.Second))
	sleepCtx(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ListDevices returns the user's available Spotify Connect devices.
func (c *Client) ListDevices(ctx context.Context, spotifyUserID string) ([]Device, error) {
	var out devicesResponse
	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodGet,
		path:   "/me/player/devices",
		result: &out,
	})
	if err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// GetPlayback returns the current playback state, or nil if nothing is
// playing (Spotify reports this as 204 No Content).
func (c *Client) GetPlayback(ctx context.Context, spotifyUserID string) (*PlaybackState, error) {
	var out PlaybackState
	resp, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodGet,
		path:   "/me/player",
		result: &out,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Play issues a hard play of the given track uris; no album/playlist
// context is sent. deviceID may be empty to target whatever device
// Spotify currently considers active.
func (c *Client) Play(ctx context.Context, spotifyUserID, deviceID string, uris []string) error {
	query := map[string]string{}
	if deviceID != "" {
		query["device_id"] = deviceID
	}
	body := map[string]any{"uris": uris}

	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodPut,
		path:   "/me/player/play",
		query:  query,
		body:   body,
	})
	return err
}

// Enqueue adds a single track URI to the device's playback queue.
func (c *Client) Enqueue(ctx context.Context, spotifyUserID, uri, deviceID string) error {
	query := map[string]string{"uri": uri}
	if deviceID != "" {
		query["device_id"] = deviceID
	}
	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodPost,
		path:   "/me/player/queue",
		query:  query,
	})
	return err
}

// Pause stops playback on the given device, or the active device if
// deviceID is empty.
func (c *Client) Pause(ctx context.Context, spotifyUserID, deviceID string) error {
	query := map[string]string{}
	if deviceID != "" {
		query["device_id"] = deviceID
	}
	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodPut,
		path:   "/me/player/pause",
		query:  query,
	})
	return err
}

// GetPlaylistTracks fetches every track of playlistID, paging by offset
// in steps of limit until Spotify reports next as null.
func (c *Client) GetPlaylistTracks(ctx context.Context, spotifyUserID, playlistID string) ([]PlaylistTrack, error) {
	var all []PlaylistTrack
	offset := 0
	const limit = 100

	for {
		var page playlistTracksPage
		_, err := c.do(ctx, spotifyUserID, requestSpec{
			method: http.MethodGet,
			path:   fmt.Sprintf("/playlists/%s/tracks", playlistID),
			query: map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
			},
			result: &page,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.Next == nil {
			break
		}
		offset += limit
	}
	return all, nil
}

// GetPlaylist fetches playlistID's metadata, used by utility mode to
// name the shuffled copy after its source.
func (c *Client) GetPlaylist(ctx context.Context, spotifyUserID, playlistID string) (*Playlist, error) {
	var out Playlist
	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodGet,
		path:   fmt.Sprintf("/playlists/%s", playlistID),
		result: &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePlaylist creates a new playlist owned by spotifyUserID. Used only
// by utility mode.
func (c *Client) CreatePlaylist(ctx context.Context, spotifyUserID, name string, public bool) (*Playlist, error) {
	var out Playlist
	body := map[string]any{
		"name":   name,
		"public": public,
	}
	_, err := c.do(ctx, spotifyUserID, requestSpec{
		method: http.MethodPost,
		path:   fmt.Sprintf("/users/%s/playlists", spotifyUserID),
		body:   body,
		result: &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddTracksBatch adds uris to playlistID in chunks of at most 100, the
// maximum the Spotify Web API accepts per request.
func (c *Client) AddTracksBatch(ctx context.Context, spotifyUserID, playlistID string, uris []string) error {
	const chunkSize = 100
	for start := 0; start < len(uris); start += chunkSize {
		end := start + chunkSize
		if end > len(uris) {
			end = len(uris)
		}
		_, err := c.do(ctx, spotifyUserID, requestSpec{
			method: http.MethodPost,
			path:   fmt.Sprintf("/playlists/%s/tracks", playlistID),
			body:   map[string]any{"uris": uris[start:end]},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func logAttempt(path string, status int, attempt int) {
	slog.Debug("remote retry", "path", path, "status", status, "attempt", attempt)
}
