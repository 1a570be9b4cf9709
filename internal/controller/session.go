package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trueshuffle/controller/internal/remote"
	"github.com/trueshuffle/controller/internal/serializer"
	"github.com/trueshuffle/controller/internal/store"
)

// Session is one live (user, playlist) controller run. It owns exactly
// one reconciliation task. opMu serializes whole operations — start, one
// poll iteration, next, stop — against each other, so a user command
// from the Command API boundary can never interleave with an in-flight
// poll body; mu guards only the individual in-memory field reads/writes
// underneath an operation, so snapshot/getState stay cheap and lock-free
// of any in-flight remote call.
type Session struct {
	opMu sync.Mutex
	mu   sync.Mutex

	key           Key
	runID         int64
	spotifyUserID string
	order         []string

	state            State
	cursor           int
	queuedUntilIndex int
	deviceID         string
	errorMessage     string
	current          *Item

	cancel context.CancelFunc
	done   chan struct{}

	client       RemoteClient
	serial       *serializer.Serializer
	db           *store.DB
	bufferSize   int
	pollInterval time.Duration
}

func newSession(key Key, run *store.Run, spotifyUserID string, client RemoteClient, serial *serializer.Serializer, db *store.DB, bufferSize int, pollInterval time.Duration) *Session {
	return &Session{
		key:              key,
		runID:            run.ID,
		spotifyUserID:    spotifyUserID,
		order:            run.Order,
		cursor:           run.Cursor,
		queuedUntilIndex: run.QueuedUntilIndex,
		state:            StateIdle,
		client:           client,
		serial:           serial,
		db:               db,
		bufferSize:       bufferSize,
		pollInterval:     pollInterval,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// snapshot returns the stable status shape for the Command API boundary.
func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:       s.state,
		Cursor:      s.cursor,
		TotalTracks: len(s.order),
	}
	if s.errorMessage != "" {
		msg := s.errorMessage
		snap.ErrorMessage = &msg
	}
	if s.deviceID != "" {
		id := s.deviceID
		snap.DeviceID = &id
	}
	if s.current != nil {
		uri, name, artist, art := s.current.URI, s.current.Name, s.current.Artist, s.current.ArtURL
		snap.CurrentTrackURI = &uri
		snap.CurrentTrackName = &name
		snap.CurrentArtist = &artist
		snap.CurrentAlbumArt = &art
	}
	return snap
}

// start performs device discovery, the initial hard-play, the initial
// buffer fill, and launches the poll loop on success. Held under opMu so
// a command arriving the instant the session is registered cannot
// interleave with this sequence.
func (s *Session) start(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.setState(StateStarting)

	var devices []Device
	err := s.serial.With(s.spotifyUserID, func() error {
		var e error
		devices, e = s.client.ListDevices(ctx, s.spotifyUserID)
		return e
	})
	if err != nil {
		s.fail(ctx, err)
		return
	}

	deviceID := selectDevice(devices)
	if deviceID == "" {
		s.mu.Lock()
		s.state = StateNoDevice
		s.errorMessage = "no Spotify device available; start playback on a device and retry"
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.deviceID = deviceID
	s.mu.Unlock()

	if err := s.hardPlay(ctx); err != nil {
		s.fail(ctx, err)
		return
	}

	s.setState(StatePlaying)
	s.launchLoop(ctx)
}

// selectDevice picks the first active device, else the first device,
// else reports no device available.
func selectDevice(devices []Device) string {
	for _, d := range devices {
		if d.IsActive {
			return d.ID
		}
	}
	if len(devices) > 0 {
		return devices[0].ID
	}
	return ""
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.state = StateError
	s.errorMessage = err.Error()
	s.mu.Unlock()
	slog.Error("controller session failed", "key", s.key.String(), "error", err)
}

// hardPlay plays order[cursor] at position 0 on the selected device,
// marks it as queued, and runs a buffer fill. Used both for the initial
// start and for a reactive hard-override from the poll loop.
func (s *Session) hardPlay(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.cursor
	order := s.order
	deviceID := s.deviceID
	s.mu.Unlock()

	if cursor >= len(order) {
		return remote.ErrInvalidRun
	}

	err := s.serial.With(s.spotifyUserID, func() error {
		return s.client.Play(ctx, s.spotifyUserID, deviceID, []string{order[cursor]})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queuedUntilIndex = cursor
	s.mu.Unlock()

	if err := s.persistCursor(ctx); err != nil {
		return err
	}
	return s.bufferFill(ctx)
}

// bufferFill enqueues tracks from max(queuedUntilIndex, cursor)+1 up to
// min(cursor+bufferSize, len(order)-1). It stops at the first enqueue
// failure, persisting only indices that actually succeeded, so a retry
// never re-enqueues anything already pushed.
func (s *Session) bufferFill(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.cursor
	queuedUntil := s.queuedUntilIndex
	order := s.order
	deviceID := s.deviceID
	s.mu.Unlock()

	end := cursor + s.bufferSize
	if end > len(order)-1 {
		end = len(order) - 1
	}
	start := queuedUntil
	if cursor > start {
		start = cursor
	}
	start++

	lastSuccess := queuedUntil
	for i := start; i <= end; i++ {
		uri := order[i]
		err := s.serial.With(s.spotifyUserID, func() error {
			return s.client.Enqueue(ctx, s.spotifyUserID, uri, deviceID)
		})
		if err != nil {
			slog.Warn("buffer fill enqueue failed, stopping fill", "key", s.key.String(), "index", i, "error", err)
			break
		}
		lastSuccess = i
	}

	s.mu.Lock()
	s.queuedUntilIndex = lastSuccess
	s.mu.Unlock()
	return s.persistCursor(ctx)
}

func (s *Session) persistCursor(ctx context.Context) error {
	s.mu.Lock()
	runID := s.runID
	cursor := s.cursor
	queuedUntil := s.queuedUntilIndex
	s.mu.Unlock()
	return s.db.UpdateCursor(ctx, runID, cursor, queuedUntil)
}

// launchLoop starts the poll loop. Its context keeps ctx's values but not
// its cancellation, so the loop outlives the command that launched it and
// ends only through stop.
func (s *Session) launchLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.runLoop(loopCtx, done)
}

func (s *Session) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each iteration runs under opMu so a concurrent Next/Stop/
			// Refresh can never read or write cursor state mid-poll.
			s.opMu.Lock()
			if s.getState() != StatePlaying {
				s.opMu.Unlock()
				return
			}
			err := s.pollOnce(ctx)
			s.opMu.Unlock()
			if err != nil {
				if errors.Is(err, remote.ErrPremiumRequired) {
					s.fail(ctx, err)
					return
				}
				slog.Warn("poll iteration error, continuing", "key", s.key.String(), "error", err)
			}
		}
	}
}

// pollOnce implements one iteration of the poll loop: fetch playback,
// update UI metadata, then classify and act on any deviation from the
// expected cursor.
func (s *Session) pollOnce(ctx context.Context) error {
	var pb *PlaybackState
	err := s.serial.With(s.spotifyUserID, func() error {
		var e error
		pb, e = s.client.GetPlayback(ctx, s.spotifyUserID)
		return e
	})
	if err != nil || pb == nil {
		return nil
	}

	s.mu.Lock()
	s.current = pb.Item
	s.mu.Unlock()

	if !pb.IsPlaying {
		return nil
	}

	s.mu.Lock()
	cursor := s.cursor
	order := s.order
	s.mu.Unlock()

	current := ""
	if pb.Item != nil {
		current = pb.Item.URI
	}
	expected := order[cursor]
	if current == expected {
		return nil
	}

	if cursor+1 < len(order) && current == order[cursor+1] {
		return s.advanceCursor(ctx, StateAdvancing, cursor+1)
	}

	for k := 2; k <= 5; k++ {
		if cursor+k < len(order) && order[cursor+k] == current {
			return s.advanceCursor(ctx, StateAdvancing, cursor+k)
		}
	}

	return s.hardOverride(ctx)
}

// advanceCursor moves the cursor to newCursor (natural advance or
// multi-skip), refills the buffer, and transitions back to playing, or
// to completed once the end of the order is reached.
func (s *Session) advanceCursor(ctx context.Context, transitional State, newCursor int) error {
	s.setState(transitional)

	s.mu.Lock()
	s.cursor = newCursor
	order := s.order
	s.mu.Unlock()

	if newCursor >= len(order) {
		if err := s.persistCursor(ctx); err != nil {
			return err
		}
		if err := s.db.MarkStatus(ctx, s.runID, store.StatusCompleted); err != nil {
			return err
		}
		s.setState(StateCompleted)
		return nil
	}

	if err := s.bufferFill(ctx); err != nil {
		return err
	}
	s.setState(StatePlaying)
	return nil
}

// hardOverride forces the device back onto order[cursor] when the poll
// loop observes a foreign track; the cursor itself does not move.
func (s *Session) hardOverride(ctx context.Context) error {
	s.setState(StateOverriding)
	if err := s.hardPlay(ctx); err != nil {
		return err
	}
	s.setState(StatePlaying)
	return nil
}

// next implements the manual "skip ahead" command: advance the cursor by
// one, hard-play the new track, and resume/restart the loop. Held under
// opMu so it can never race a poll iteration's own cursor read/write.
func (s *Session) next(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cursor := s.cursor
	order := s.order
	s.mu.Unlock()

	if cursor+1 >= len(order) {
		if err := s.persistCursor(ctx); err != nil {
			return err
		}
		if err := s.db.MarkStatus(ctx, s.runID, store.StatusCompleted); err != nil {
			return err
		}
		s.setState(StateCompleted)
		return nil
	}

	s.mu.Lock()
	s.cursor = cursor + 1
	s.mu.Unlock()

	if err := s.hardPlay(ctx); err != nil {
		s.fail(ctx, err)
		return err
	}
	s.setState(StatePlaying)

	s.mu.Lock()
	loopAlive := s.cancel != nil
	s.mu.Unlock()
	if !loopAlive {
		s.launchLoop(ctx)
	}
	return nil
}

// stop cancels the poll loop and awaits its termination before returning,
// so the caller can rely on "cursor persisted" being observable
// immediately afterward. It does not touch device playback. Held under
// opMu: if a poll iteration is in flight, stop blocks until it finishes
// (never racing its cursor write) before cancelling and awaiting the loop.
func (s *Session) stop(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	_ = s.persistCursor(ctx)
	s.setState(StateIdle)
}
