package remote

import "fmt"

// ErrAuthExpired means the stored refresh token itself was rejected — the
// user must re-authorize. Distinct from a transient 401, which the client
// resolves internally via a single refresh-and-retry.
var ErrAuthExpired = fmt.Errorf("remote: authorization expired, reauthorization required")

// ErrPremiumRequired is returned for 403 responses from Player endpoints,
// which Spotify uses to signal a non-Premium account rather than a scope
// or permission problem.
var ErrPremiumRequired = fmt.Errorf("remote: spotify premium required for playback control")

// ErrNotFound is returned for 404 responses. Terminal, not retried.
var ErrNotFound = fmt.Errorf("remote: resource not found")

// ErrRateLimited is returned when all 429 retry attempts are exhausted.
var ErrRateLimited = fmt.Errorf("remote: rate limited after exhausting retries")

// ErrTransientRemote is returned when all 5xx/timeout retry attempts are
// exhausted without a successful response.
var ErrTransientRemote = fmt.Errorf("remote: upstream unavailable after exhausting retries")

// ErrInvalidRun signals the caller passed a Run that cannot be acted on
// (e.g. empty shuffled order, cursor out of range).
var ErrInvalidRun = fmt.Errorf("remote: invalid run state")

// ClientError wraps any other 4xx response. Status and Body are preserved
// so callers and logs can see exactly what Spotify rejected and why.
type ClientError struct {
	Status int
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("remote: client error %d: %s", e.Status, e.Body)
}
