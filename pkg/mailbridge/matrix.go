package mailbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient wraps the mautrix client behind the narrow surfaces the room
// manager, membership cache and router need. One instance lives for the
// whole process.
type MatrixClient struct {
	client *mautrix.Client
	log    zerolog.Logger
}

func NewMatrixClient(cfg *HomeserverConfig, log zerolog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.Address, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	wrapped := &MatrixClient{
		client: client,
		log:    log.With().Str("component", "matrix").Logger(),
	}
	client.Log = wrapped.log
	return wrapped, nil
}

// UserID returns the bridge's own Matrix identity.
func (m *MatrixClient) UserID() id.UserID {
	return m.client.UserID
}

// Client exposes the underlying mautrix client for syncer wiring.
func (m *MatrixClient) Client() *mautrix.Client {
	return m.client
}

// CreateRoom creates a private room for one agent.
func (m *MatrixClient) CreateRoom(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: "private_chat",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// CreateSpace creates the container space grouping all agent rooms.
func (m *MatrixClient) CreateSpace(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: "private_chat",
		CreationContent: map[string]any{
			"type": "m.space",
		},
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// AddSpaceChild attaches roomID under spaceID. Re-attaching an existing
// child just overwrites the same state event, so this is idempotent.
func (m *MatrixClient) AddSpaceChild(ctx context.Context, spaceID, roomID id.RoomID) error {
	_, err := m.client.SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(), &event.SpaceChildEventContent{
		Via: []string{m.client.UserID.Homeserver()},
	})
	return err
}

// Invite invites userID to roomID. Already-invited and already-joined
// rejections count as success so lifecycle replays stay idempotent.
func (m *MatrixClient) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil && errors.Is(err, mautrix.MForbidden) {
		// The homeserver rejects invites for users already in (or invited
		// to) the room.
		m.log.Debug().
			Stringer("room_id", roomID).
			Stringer("user_id", userID).
			Msg("Invite rejected, user already present")
		return nil
	}
	return err
}

// RoomMembers is the authoritative membership query behind the cache.
func (m *MatrixClient) RoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// SendText posts a plain text message.
func (m *MatrixClient) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := m.client.SendText(ctx, roomID, text)
	return err
}
