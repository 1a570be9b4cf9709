// Package shuffle implements the unbiased reordering pipeline used to
// build a controller run's play order: filter, dedup, Fisher-Yates
// shuffle, and a similarity guard against the previous order.
package shuffle

import (
	"math/rand"
	"strings"

	"github.com/trueshuffle/controller/internal/remote"
)

const (
	similarityWindow    = 10
	similarityThreshold = 0.5
	maxGuardRetries     = 5
)

// SkipReason classifies why a track was excluded from a run's shuffled
// order.
type SkipReason string

const (
	SkipLocal       SkipReason = "local"
	SkipEpisode     SkipReason = "episode"
	SkipUnavailable SkipReason = "unavailable"
	SkipDuplicate   SkipReason = "duplicate"
)

// Skipped records a single excluded track and why.
type Skipped struct {
	URI    string
	Name   string
	Reason SkipReason
}

// isValid mirrors the reference model's Track.is_valid: playable, not a
// local file, of type "track", with a track URI.
func isValid(t remote.Track) bool {
	return t.IsPlayable && !t.IsLocal && t.Type == "track" && strings.HasPrefix(t.URI, "spotify:track:")
}

// filterValid splits playlist entries into valid candidates and skipped
// entries with a classified reason.
func filterValid(items []remote.PlaylistTrack) (valid []remote.Track, skipped []Skipped) {
	for _, item := range items {
		track := item.Track
		if isValid(track) {
			valid = append(valid, track)
			continue
		}

		reason := SkipUnavailable
		switch {
		case item.IsLocal || track.IsLocal:
			reason = SkipLocal
		case track.Type != "" && track.Type != "track":
			reason = SkipEpisode
		}
		skipped = append(skipped, Skipped{URI: track.URI, Name: track.Name, Reason: reason})
	}
	return valid, skipped
}

// dedupByURI keeps the first occurrence of each URI, recording later
// repeats as skipped duplicates.
func dedupByURI(tracks []remote.Track) (deduped []remote.Track, skipped []Skipped) {
	seen := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		if seen[t.URI] {
			skipped = append(skipped, Skipped{URI: t.URI, Name: t.Name, Reason: SkipDuplicate})
			continue
		}
		seen[t.URI] = true
		deduped = append(deduped, t)
	}
	return deduped, skipped
}

// FisherYates shuffles uris in place using the Fisher-Yates (Knuth)
// algorithm: for i from len-1 down to 1, swap with a uniformly random
// j in [0, i].
func FisherYates(uris []string, rng *rand.Rand) {
	for i := len(uris) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		uris[i], uris[j] = uris[j], uris[i]
	}
}

// firstNSimilarity returns the fraction of matching positions within the
// first n entries of a and b. Returns 0 if either slice is shorter than n
// so a short previous order never blocks a reshuffle.
func firstNSimilarity(a, b []string, n int) float64 {
	if len(a) < n || len(b) < n {
		return 0
	}
	matches := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(n)
}

// ShuffleWithGuard shuffles uris, retrying up to maxGuardRetries times if
// the result is too similar to previousOrder in its first
// similarityWindow positions. If every attempt exceeds the threshold, the
// last candidate is accepted rather than looping forever.
func ShuffleWithGuard(uris []string, previousOrder []string, rng *rand.Rand) []string {
	candidate := make([]string, len(uris))
	copy(candidate, uris)

	for attempt := 0; attempt <= maxGuardRetries; attempt++ {
		FisherYates(candidate, rng)
		if previousOrder == nil {
			return candidate
		}
		sim := firstNSimilarity(candidate, previousOrder, similarityWindow)
		if sim <= similarityThreshold {
			return candidate
		}
		if attempt == maxGuardRetries {
			return candidate
		}
	}
	return candidate
}

// Result is the output of PrepareShuffledRun: the order to play and every
// track excluded from it.
type Result struct {
	Order   []string
	Skipped []Skipped
}

// PrepareShuffledRun runs the full pipeline: filter invalid entries, dedup
// by URI, then shuffle with the similarity guard against previousOrder
// (nil if there is none).
func PrepareShuffledRun(items []remote.PlaylistTrack, previousOrder []string, rng *rand.Rand) Result {
	valid, skippedInvalid := filterValid(items)
	deduped, skippedDup := dedupByURI(valid)

	uris := make([]string, len(deduped))
	names := make(map[string]string, len(deduped))
	for i, t := range deduped {
		uris[i] = t.URI
		names[t.URI] = t.Name
	}

	order := ShuffleWithGuard(uris, previousOrder, rng)

	skipped := make([]Skipped, 0, len(skippedInvalid)+len(skippedDup))
	skipped = append(skipped, skippedInvalid...)
	skipped = append(skipped, skippedDup...)

	return Result{Order: order, Skipped: skipped}
}
