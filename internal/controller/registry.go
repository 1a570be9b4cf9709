package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/trueshuffle/controller/internal/remote"
	"github.com/trueshuffle/controller/internal/serializer"
	"github.com/trueshuffle/controller/internal/shuffle"
	"github.com/trueshuffle/controller/internal/store"
)

// Registry is the Controller Session Registry: the process-local,
// in-memory map from (user, playlist) to its live Session. It is
// authoritative for "is there a live loop?"; the Run Store remains
// authoritative for "is there durable progress to resume?".
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	keyMu   sync.Mutex
	keyLock map[Key]*sync.Mutex

	playlists    PlaylistFetcher
	loopClient   RemoteClient
	serial       *serializer.Serializer
	db           *store.DB
	bufferSize   int
	pollInterval time.Duration
}

// lockFor returns the single mutex that serializes the whole
// lookup-or-create-and-launch sequence for key, mirroring the Per-User
// Serializer's keyed-mutex idiom. Without it, two concurrent Start (or
// Refresh) calls for the same key can each miss the registry lookup,
// independently build a Run, and launch two concurrent Sessions against
// it before either registers itself.
func (r *Registry) lockFor(key Key) *sync.Mutex {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	l, ok := r.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLock[key] = l
	}
	return l
}

// PlaylistFetcher is the read-only capability Registry needs to build a
// Run: paginated playlist track listing. A real *remote.Client satisfies
// it; tests substitute a fake to avoid the network.
type PlaylistFetcher interface {
	GetPlaylistTracks(ctx context.Context, spotifyUserID, playlistID string) ([]remote.PlaylistTrack, error)
}

// New builds an empty Registry wired to its shared dependencies.
func New(remoteClient *remote.Client, db *store.DB, bufferSize int, pollInterval time.Duration) *Registry {
	return newRegistry(remoteClient, NewRemoteAdapter(remoteClient), db, bufferSize, pollInterval)
}

func newRegistry(playlists PlaylistFetcher, loopClient RemoteClient, db *store.DB, bufferSize int, pollInterval time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[Key]*Session),
		keyLock:      make(map[Key]*sync.Mutex),
		playlists:    playlists,
		loopClient:   loopClient,
		serial:       serializer.New(),
		db:           db,
		bufferSize:   bufferSize,
		pollInterval: pollInterval,
	}
}

func (r *Registry) get(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

func (r *Registry) set(key Key, s *Session) {
	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()
}

func (r *Registry) remove(key Key) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Start looks up or creates the active Run for (spotifyUserID, playlistID),
// builds a Session, hard-plays, fills the buffer, and launches the loop.
// If a Session already exists with its loop running it is idempotent: the
// current status is returned without re-seeding anything. A registered
// Session whose loop is not running (stopped, or a start that failed) is
// started again from its current cursor.
func (r *Registry) Start(ctx context.Context, spotifyUserID, playlistID string) (Snapshot, error) {
	user, err := r.db.FindOrCreateUser(ctx, spotifyUserID, "")
	if err != nil {
		return Snapshot{}, err
	}
	key := Key{UserID: user.ID, PlaylistID: playlistID}

	keyLock := r.lockFor(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	if existing, ok := r.get(key); ok {
		existing.mu.Lock()
		loopAlive := existing.cancel != nil
		existing.mu.Unlock()
		if !loopAlive {
			existing.start(ctx)
		}
		return existing.snapshot(), nil
	}

	run, err := r.db.FindActiveControllerRun(ctx, user.ID, playlistID)
	if err != nil {
		return Snapshot{}, err
	}
	if run == nil {
		run, err = r.buildRun(ctx, spotifyUserID, user.ID, playlistID, nil)
		if err != nil {
			return Snapshot{}, err
		}
	}

	session := newSession(key, run, spotifyUserID, r.loopClient, r.serial, r.db, r.bufferSize, r.pollInterval)
	r.set(key, session)
	session.start(ctx)
	return session.snapshot(), nil
}

// buildRun fetches the playlist, runs the Shuffle Engine, and creates a
// new controller Run. previousOrder feeds the similarity guard on a
// refresh.
func (r *Registry) buildRun(ctx context.Context, spotifyUserID string, userID int64, playlistID string, previousOrder []string) (*store.Run, error) {
	tracks, err := r.playlists.GetPlaylistTracks(ctx, spotifyUserID, playlistID)
	if err != nil {
		return nil, fmt.Errorf("controller: fetch playlist tracks: %w", err)
	}
	if len(tracks) == 0 {
		return nil, remote.ErrInvalidRun
	}

	result := shuffle.PrepareShuffledRun(tracks, previousOrder, rand.New(rand.NewSource(time.Now().UnixNano())))
	if len(result.Order) == 0 {
		return nil, remote.ErrInvalidRun
	}

	run, err := r.db.CreateRun(ctx, userID, playlistID, store.ModeController, result.Order)
	if err != nil {
		return nil, err
	}
	if len(result.Skipped) > 0 {
		_ = r.db.InsertSkipped(ctx, run.ID, result.Skipped)
	}
	return run, nil
}

// Status returns the current snapshot for (spotifyUserID, playlistID), or
// an idle snapshot if there is no live Session.
func (r *Registry) Status(ctx context.Context, spotifyUserID, playlistID string) (Snapshot, error) {
	key, err := r.resolveKey(ctx, spotifyUserID, playlistID)
	if err != nil {
		return Snapshot{}, err
	}
	if session, ok := r.get(key); ok {
		return session.snapshot(), nil
	}
	return IdleSnapshot(), nil
}

func (r *Registry) resolveKey(ctx context.Context, spotifyUserID, playlistID string) (Key, error) {
	user, err := r.db.FindOrCreateUser(ctx, spotifyUserID, "")
	if err != nil {
		return Key{}, err
	}
	return Key{UserID: user.ID, PlaylistID: playlistID}, nil
}

// ErrNoSession is returned by Next/Stop when no live Session exists for
// the requested (user, playlist).
var ErrNoSession = fmt.Errorf("controller: no session for this playlist")

// Next advances the cursor by one, per the manual skip command.
func (r *Registry) Next(ctx context.Context, spotifyUserID, playlistID string) (Snapshot, error) {
	key, err := r.resolveKey(ctx, spotifyUserID, playlistID)
	if err != nil {
		return Snapshot{}, err
	}
	session, ok := r.get(key)
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	if err := session.next(ctx); err != nil {
		return session.snapshot(), err
	}
	return session.snapshot(), nil
}

// Stop cancels the loop, awaits termination, and persists cursor state.
// The durable Run stays active so a later `start` resumes it.
func (r *Registry) Stop(ctx context.Context, spotifyUserID, playlistID string) (Snapshot, error) {
	key, err := r.resolveKey(ctx, spotifyUserID, playlistID)
	if err != nil {
		return Snapshot{}, err
	}
	session, ok := r.get(key)
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	session.stop(ctx)
	return session.snapshot(), nil
}

// Refresh stops any existing Session, marks its durable Run cancelled,
// drops it from the registry, and starts a fresh Run with a new order
// seeded against the old one for the similarity guard. With no live
// Session, an active durable Run for the pair is cancelled the same way.
func (r *Registry) Refresh(ctx context.Context, spotifyUserID, playlistID string) (Snapshot, error) {
	user, err := r.db.FindOrCreateUser(ctx, spotifyUserID, "")
	if err != nil {
		return Snapshot{}, err
	}
	key := Key{UserID: user.ID, PlaylistID: playlistID}

	keyLock := r.lockFor(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	var previousOrder []string
	if session, ok := r.get(key); ok {
		session.stop(ctx)
		session.mu.Lock()
		previousOrder = session.order
		runID := session.runID
		session.mu.Unlock()
		if err := r.db.MarkStatus(ctx, runID, store.StatusCancelled); err != nil {
			return Snapshot{}, err
		}
		r.remove(key)
	} else {
		stale, err := r.db.FindActiveControllerRun(ctx, user.ID, playlistID)
		if err != nil {
			return Snapshot{}, err
		}
		if stale != nil {
			previousOrder = stale.Order
			if err := r.db.MarkStatus(ctx, stale.ID, store.StatusCancelled); err != nil {
				return Snapshot{}, err
			}
		}
	}

	run, err := r.buildRun(ctx, spotifyUserID, user.ID, playlistID, previousOrder)
	if err != nil {
		return Snapshot{}, err
	}

	session := newSession(key, run, spotifyUserID, r.loopClient, r.serial, r.db, r.bufferSize, r.pollInterval)
	r.set(key, session)
	session.start(ctx)
	return session.snapshot(), nil
}

// ListDevices returns the user's available Spotify Connect devices.
func (r *Registry) ListDevices(ctx context.Context, spotifyUserID string) ([]Device, error) {
	return r.loopClient.ListDevices(ctx, spotifyUserID)
}
