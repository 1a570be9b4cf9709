package controller

import (
	"context"
	"strings"

	"github.com/trueshuffle/controller/internal/remote"
)

// remoteAdapter narrows *remote.Client down to the RemoteClient interface
// the loop depends on, translating the Web API's full response shapes
// into the loop's minimal view of them.
type remoteAdapter struct {
	client *remote.Client
}

// NewRemoteAdapter wraps client so it satisfies RemoteClient.
func NewRemoteAdapter(client *remote.Client) RemoteClient {
	return &remoteAdapter{client: client}
}

func (a *remoteAdapter) ListDevices(ctx context.Context, spotifyUserID string) ([]Device, error) {
	devices, err := a.client.ListDevices(ctx, spotifyUserID)
	if err != nil {
		return nil, err
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = Device{ID: d.ID, Name: d.Name, Type: d.Type, IsActive: d.IsActive}
	}
	return out, nil
}

func (a *remoteAdapter) GetPlayback(ctx context.Context, spotifyUserID string) (*PlaybackState, error) {
	pb, err := a.client.GetPlayback(ctx, spotifyUserID)
	if err != nil {
		return nil, err
	}
	if pb == nil {
		return nil, nil
	}
	state := &PlaybackState{IsPlaying: pb.IsPlaying}
	if pb.Item != nil {
		item := &Item{URI: pb.Item.URI, Name: pb.Item.Name}
		if len(pb.Item.Artists) > 0 {
			names := make([]string, len(pb.Item.Artists))
			for i, ar := range pb.Item.Artists {
				names[i] = ar.Name
			}
			item.Artist = strings.Join(names, ", ")
		}
		if len(pb.Item.Album.Images) > 0 {
			item.ArtURL = pb.Item.Album.Images[0].URL
		}
		state.Item = item
	}
	return state, nil
}

func (a *remoteAdapter) Play(ctx context.Context, spotifyUserID, deviceID string, uris []string) error {
	return a.client.Play(ctx, spotifyUserID, deviceID, uris)
}

func (a *remoteAdapter) Enqueue(ctx context.Context, spotifyUserID, uri, deviceID string) error {
	return a.client.Enqueue(ctx, spotifyUserID, uri, deviceID)
}

func (a *remoteAdapter) Pause(ctx context.Context, spotifyUserID, deviceID string) error {
	return a.client.Pause(ctx, spotifyUserID, deviceID)
}
