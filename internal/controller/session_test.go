package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trueshuffle/controller/internal/remote"
	"github.com/trueshuffle/controller/internal/serializer"
	"github.com/trueshuffle/controller/internal/store"
)

// fakeRemote is a scriptable RemoteClient for exercising the
// reconciliation loop without a network.
type fakeRemote struct {
	mu sync.Mutex

	devices    []Device
	playback   *PlaybackState
	playErr    error
	playCalls  [][]string
	enqueueErr error
	enqueues   []string
}

func (f *fakeRemote) ListDevices(context.Context, string) ([]Device, error) {
	return f.devices, nil
}

func (f *fakeRemote) GetPlayback(context.Context, string) (*PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playback, nil
}

func (f *fakeRemote) Play(_ context.Context, _, _ string, uris []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls = append(f.playCalls, uris)
	return f.playErr
}

func (f *fakeRemote) Enqueue(_ context.Context, _, uri, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueues = append(f.enqueues, uri)
	return f.enqueueErr
}

func (f *fakeRemote) Pause(context.Context, string, string) error { return nil }

func (f *fakeRemote) playCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.playCalls)
}

func (f *fakeRemote) lastPlay() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.playCalls) == 0 {
		return nil
	}
	return f.playCalls[len(f.playCalls)-1]
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSession(t *testing.T, db *store.DB, order []string, client RemoteClient) (*Session, Key) {
	t.Helper()
	ctx := context.Background()
	user, err := db.FindOrCreateUser(ctx, "spotify-user-1", "")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}
	run, err := db.CreateRun(ctx, user.ID, "playlist-1", store.ModeController, order)
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	key := Key{UserID: user.ID, PlaylistID: "playlist-1"}
	s := newSession(key, run, "spotify-user-1", client, serializer.New(), db, 5, time.Second)
	return s, key
}

// S1 — natural advance.
func TestPollOnceNaturalAdvance(t *testing.T) {
	order := []string{"spotify:track:0", "spotify:track:1", "spotify:track:2"}
	client := &fakeRemote{playback: &PlaybackState{IsPlaying: true, Item: &Item{URI: order[1]}}}
	db := testDB(t)
	s, _ := newTestSession(t, db, order, client)
	s.state = StatePlaying

	if err := s.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	if s.cursor != 1 {
		t.Errorf("cursor = %d, want 1", s.cursor)
	}
	if s.state != StatePlaying {
		t.Errorf("state = %s, want playing", s.state)
	}
	if client.playCallCount() != 0 {
		t.Errorf("play calls = %d, want 0 (natural advance never hard-plays)", client.playCallCount())
	}
	if len(client.enqueues) != 1 || client.enqueues[0] != order[2] {
		t.Errorf("enqueues = %v, want exactly [%s]", client.enqueues, order[2])
	}
}

// S2 — multi-skip.
func TestPollOnceMultiSkip(t *testing.T) {
	order := []string{"t0", "t1", "t2", "t3", "t4", "t5"}
	client := &fakeRemote{playback: &PlaybackState{IsPlaying: true, Item: &Item{URI: "t3"}}}
	db := testDB(t)
	s, _ := newTestSession(t, db, order, client)
	s.state = StatePlaying

	if err := s.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	if s.cursor != 3 {
		t.Errorf("cursor = %d, want 3", s.cursor)
	}
	if s.state != StatePlaying {
		t.Errorf("state = %s, want playing", s.state)
	}
}

// S3 — foreign track override.
func TestPollOnceForeignTrackTriggersHardOverride(t *testing.T) {
	order := []string{"t0", "t1", "t2"}
	client := &fakeRemote{
		devices:  []Device{{ID: "device-1", IsActive: true}},
		playback: &PlaybackState{IsPlaying: true, Item: &Item{URI: "tX"}},
	}
	db := testDB(t)
	s, _ := newTestSession(t, db, order, client)
	s.state = StatePlaying
	s.deviceID = "device-1"

	if err := s.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce() error = %v", err)
	}

	if s.cursor != 0 {
		t.Errorf("cursor = %d, want unchanged 0 after a hard override", s.cursor)
	}
	if s.state != StatePlaying {
		t.Errorf("state = %s, want playing after override completes", s.state)
	}
	if client.playCallCount() != 1 {
		t.Fatalf("play calls = %d, want exactly 1", client.playCallCount())
	}
	if got := client.lastPlay(); len(got) != 1 || got[0] != "t0" {
		t.Errorf("last Play() call = %v, want [t0]", got)
	}
}

// S4 — no device.
func TestStartWithNoDevicesGoesToNoDeviceState(t *testing.T) {
	client := &fakeRemote{devices: nil}
	db := testDB(t)
	s, _ := newTestSession(t, db, []string{"t0", "t1"}, client)

	s.start(context.Background())

	if s.state != StateNoDevice {
		t.Errorf("state = %s, want no_device", s.state)
	}
	if s.errorMessage == "" {
		t.Error("errorMessage is empty, want a non-empty explanation")
	}
	if client.playCallCount() != 0 {
		t.Errorf("play calls = %d, want 0", client.playCallCount())
	}
}

// S5 — premium required during start.
func TestStartWithPremiumRequiredGoesToErrorAndNeverLoops(t *testing.T) {
	client := &fakeRemote{
		devices: []Device{{ID: "device-1", IsActive: true}},
		playErr: remote.ErrPremiumRequired,
	}
	db := testDB(t)
	s, _ := newTestSession(t, db, []string{"t0", "t1"}, client)

	s.start(context.Background())

	if s.state != StateError {
		t.Errorf("state = %s, want error", s.state)
	}
	if s.cancel != nil {
		t.Error("cancel func set, want nil — the reconciliation loop must never launch")
	}
}

// S6 — refresh.
func TestRegistryRefreshStopsOldRunAndStartsFresh(t *testing.T) {
	db := testDB(t)
	client := &fakeRemote{devices: []Device{{ID: "device-1", IsActive: true}}}
	oldOrder := []string{"spotify:track:1", "spotify:track:2", "spotify:track:3", "spotify:track:4", "spotify:track:5"}

	ctx := context.Background()
	user, err := db.FindOrCreateUser(ctx, "spotify-user-1", "")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}
	oldRun, err := db.CreateRun(ctx, user.ID, "playlist-1", store.ModeController, oldOrder)
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := db.UpdateCursor(ctx, oldRun.ID, 4, 4); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}
	oldRun, err = db.FindActiveControllerRun(ctx, user.ID, "playlist-1")
	if err != nil {
		t.Fatalf("FindActiveControllerRun() error = %v", err)
	}

	fetcher := fakePlaylistFetcher{tracks: tracksFor(oldOrder)}
	reg := newRegistry(fetcher, client, db, 5, time.Hour)
	key := Key{UserID: user.ID, PlaylistID: "playlist-1"}
	existing := newSession(key, oldRun, "spotify-user-1", client, reg.serial, db, 5, time.Hour)
	existing.state = StatePlaying
	reg.set(key, existing)

	snap, err := reg.Refresh(ctx, "spotify-user-1", "playlist-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Cursor != 0 {
		t.Errorf("Refresh() snapshot cursor = %d, want 0", snap.Cursor)
	}

	reloadedOld, err := db.GetRunForUser(ctx, user.ID, oldRun.ID)
	if err != nil {
		t.Fatalf("GetRunForUser() error = %v", err)
	}
	if reloadedOld.Status != store.StatusCancelled {
		t.Errorf("old run status = %s, want cancelled", reloadedOld.Status)
	}

	newActive, err := db.FindActiveControllerRun(ctx, user.ID, "playlist-1")
	if err != nil {
		t.Fatalf("FindActiveControllerRun() error = %v", err)
	}
	if newActive == nil || newActive.ID == oldRun.ID {
		t.Fatalf("FindActiveControllerRun() = %v, want a new active run distinct from the old one", newActive)
	}
	if newActive.Cursor != 0 {
		t.Errorf("new run cursor = %d, want 0", newActive.Cursor)
	}
	if client.playCallCount() != 1 {
		t.Errorf("play calls = %d, want exactly 1 (hard-play of the new order's first track)", client.playCallCount())
	}

	t.Cleanup(func() { reg.Stop(ctx, "spotify-user-1", "playlist-1") })
}

// S8 — concurrent start idempotency, exercised against Registry.Start
// itself (not just db.CreateRun): two simultaneous calls for the same
// (user, playlist) must produce exactly one live Session and exactly one
// hard-play call. Registry.lockFor's keyed mutex is what prevents both
// goroutines from missing the registry lookup and each building/launching
// their own Session before either registers.
func TestRegistryStartConcurrentCallsProduceOneSession(t *testing.T) {
	db := testDB(t)
	order := []string{"spotify:track:1", "spotify:track:2", "spotify:track:3"}
	client := &fakeRemote{devices: []Device{{ID: "device-1", IsActive: true}}}
	fetcher := fakePlaylistFetcher{tracks: tracksFor(order)}
	reg := newRegistry(fetcher, client, db, 5, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Start(context.Background(), "spotify-user-1", "playlist-1"); err != nil {
				t.Errorf("Start() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if client.playCallCount() != 1 {
		t.Errorf("play calls = %d, want exactly 1 across two concurrent Start calls", client.playCallCount())
	}

	reg.mu.Lock()
	sessionCount := len(reg.sessions)
	reg.mu.Unlock()
	if sessionCount != 1 {
		t.Errorf("live sessions = %d, want exactly 1", sessionCount)
	}

	ctx := context.Background()
	user, err := db.FindOrCreateUser(ctx, "spotify-user-1", "")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}
	run, err := db.FindActiveControllerRun(ctx, user.ID, "playlist-1")
	if err != nil {
		t.Fatalf("FindActiveControllerRun() error = %v", err)
	}
	if run == nil {
		t.Fatal("FindActiveControllerRun() = nil, want exactly one durable active run")
	}

	t.Cleanup(func() { reg.Stop(ctx, "spotify-user-1", "playlist-1") })
}

type fakePlaylistFetcher struct {
	tracks []remote.PlaylistTrack
}

func (f fakePlaylistFetcher) GetPlaylistTracks(context.Context, string, string) ([]remote.PlaylistTrack, error) {
	return f.tracks, nil
}

func tracksFor(uris []string) []remote.PlaylistTrack {
	out := make([]remote.PlaylistTrack, len(uris))
	for i, uri := range uris {
		out[i] = remote.PlaylistTrack{Track: remote.Track{URI: uri, Name: uri, IsPlayable: true, Type: "track"}}
	}
	return out
}
