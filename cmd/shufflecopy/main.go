// Command shufflecopy is utility mode: a one-shot shuffle of a playlist
// into a brand-new Spotify playlist, with no reconciliation loop and no
// live Session. It relies on a token already obtained for the given user
// through the external OAuth/PKCE flow and stored in the same database
// the controller server uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/trueshuffle/controller/config"
	"github.com/trueshuffle/controller/internal/remote"
	"github.com/trueshuffle/controller/internal/shuffle"
	"github.com/trueshuffle/controller/internal/store"
)

// Config holds the CLI configuration parsed from arguments.
type Config struct {
	SpotifyUserID string
	PlaylistID    string
	Public        bool
}

// ParseArgs parses command line arguments and returns a Config.
func ParseArgs() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.SpotifyUserID, "user", "", "Spotify user id that owns the playlist")
	flag.StringVar(&cfg.PlaylistID, "playlist", "", "Source playlist id to shuffle")
	flag.BoolVar(&cfg.Public, "public", false, "Make the new shuffled playlist public")

	flag.Usage = printUsage
	flag.Parse()

	if cfg.SpotifyUserID == "" {
		return nil, fmt.Errorf("-user is required")
	}
	if cfg.PlaylistID == "" {
		return nil, fmt.Errorf("-playlist is required")
	}
	return cfg, nil
}

func printUsage() {
	fmt.Println("\nUsage:")
	fmt.Println("  shufflecopy -user <spotify_user_id> -playlist <playlist_id> [-public]")
	fmt.Println("\nFlags:")
	fmt.Println("  -user       Spotify user id that already has a stored token")
	fmt.Println("  -playlist   Source playlist id to shuffle")
	fmt.Println("  -public     Make the new shuffled playlist public (default false)")
	fmt.Println()
}

func printUsageAndExit() {
	printUsage()
	os.Exit(1)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cliCfg, err := ParseArgs()
	if err != nil {
		slog.Error(err.Error())
		printUsageAndExit()
	}

	appCfg := config.Load()

	db, err := store.Open(appCfg.DBPath)
	if err != nil {
		slog.Error("failed to open run store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tokens := store.NewTokenStore(db)
	client := remote.NewClient(appCfg.SpotifyClientID, appCfg.RemoteConnTimeout, appCfg.RemoteReadTimeout, tokens)

	ctx := context.Background()
	if err := run(ctx, client, db, cliCfg); err != nil {
		slog.Error("shufflecopy failed", "error", err)
		os.Exit(1)
	}
}

// run executes the utility-mode workflow: fetch tracks, shuffle, create
// a new playlist, add tracks in batches, and record a completed
// mode=utility Run. It never launches a Session or reconciliation loop.
func run(ctx context.Context, client *remote.Client, db *store.DB, cfg *Config) error {
	user, err := db.FindOrCreateUser(ctx, cfg.SpotifyUserID, "")
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	slog.Info("fetching playlist tracks", "playlist", cfg.PlaylistID)
	tracks, err := client.GetPlaylistTracks(ctx, cfg.SpotifyUserID, cfg.PlaylistID)
	if err != nil {
		return fmt.Errorf("fetch playlist tracks: %w", err)
	}
	if len(tracks) == 0 {
		return remote.ErrInvalidRun
	}

	result := shuffle.PrepareShuffledRun(tracks, nil, rand.New(rand.NewSource(time.Now().UnixNano())))
	if len(result.Order) == 0 {
		return fmt.Errorf("%w: no playable tracks after filtering", remote.ErrInvalidRun)
	}
	slog.Info("shuffled playlist", "kept", len(result.Order), "skipped", len(result.Skipped))

	source, err := client.GetPlaylist(ctx, cfg.SpotifyUserID, cfg.PlaylistID)
	if err != nil {
		return fmt.Errorf("fetch source playlist: %w", err)
	}

	newPlaylist, err := client.CreatePlaylist(ctx, cfg.SpotifyUserID, "🔀 "+source.Name, cfg.Public)
	if err != nil {
		return fmt.Errorf("create playlist: %w", err)
	}

	if err := client.AddTracksBatch(ctx, cfg.SpotifyUserID, newPlaylist.ID, result.Order); err != nil {
		return fmt.Errorf("add tracks to new playlist: %w", err)
	}

	utilityRun, err := db.CreateRun(ctx, user.ID, cfg.PlaylistID, store.ModeUtility, result.Order)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if len(result.Skipped) > 0 {
		if err := db.InsertSkipped(ctx, utilityRun.ID, result.Skipped); err != nil {
			slog.Warn("failed to record skipped tracks", "error", err)
		}
	}
	if err := db.MarkStatus(ctx, utilityRun.ID, store.StatusCompleted); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}

	fmt.Printf("Created playlist %s with %d tracks (%d skipped)\n", newPlaylist.ID, len(result.Order), len(result.Skipped))
	return nil
}
