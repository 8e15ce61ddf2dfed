package rooms

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/agentmail/matrix-bridge/pkg/membership"
)

const (
	botUser   = id.UserID("@mailbridge:example.org")
	adminUser = id.UserID("@operator:example.org")
)

// fakeChat implements ChatClient and Authority and keeps the joined-member
// truth in sync with room creation, like a homeserver would.
type fakeChat struct {
	mu          sync.Mutex
	nextRoom    int
	roomCreates int
	spaceCreate int
	invites     []string
	members     map[id.RoomID][]id.UserID
	children    map[id.RoomID][]id.RoomID
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		members:  make(map[id.RoomID][]id.UserID),
		children: make(map[id.RoomID][]id.RoomID),
	}
}

func (f *fakeChat) CreateRoom(_ context.Context, name, _ string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRoom++
	f.roomCreates++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.org", f.nextRoom))
	f.members[roomID] = []id.UserID{botUser}
	return roomID, nil
}

func (f *fakeChat) CreateSpace(_ context.Context, name, _ string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaceCreate++
	spaceID := id.RoomID("!space:example.org")
	f.members[spaceID] = []id.UserID{botUser}
	return spaceID, nil
}

func (f *fakeChat) AddSpaceChild(_ context.Context, spaceID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[spaceID] = append(f.children[spaceID], roomID)
	return nil
}

func (f *fakeChat) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, string(roomID)+"/"+string(userID))
	return nil
}

func (f *fakeChat) RoomMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeChat) removeMember(roomID id.RoomID, userID id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []id.UserID
	for _, member := range f.members[roomID] {
		if member != userID {
			kept = append(kept, member)
		}
	}
	f.members[roomID] = kept
}

func newTestManager(t *testing.T, chat *fakeChat) *Manager {
	t.Helper()
	cache := membership.NewCache(chat, time.Minute)
	mgr, err := NewManager(chat, cache, Config{
		StatePath: filepath.Join(t.TempDir(), "rooms.json"),
		BotUser:   botUser,
		Admins:    []id.UserID{adminUser},
		SpaceName: "Agents",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestEnsureRoomReachesSteady(t *testing.T) {
	chat := newFakeChat()
	mgr := newTestManager(t, chat)

	rec, err := mgr.EnsureRoom(context.Background(), "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	if rec.Stage != StageSteady {
		t.Fatalf("expected steady, got %s", rec.Stage)
	}
	if rec.RoomID == "" || rec.SpaceID == "" {
		t.Fatalf("record missing ids: %+v", rec)
	}
	if len(chat.invites) != 1 {
		t.Fatalf("expected 1 admin invite, got %v", chat.invites)
	}
	if len(chat.children[rec.SpaceID]) != 1 {
		t.Fatal("room not attached to space")
	}
}

// The duplicate-room defect: repeated invocations for the same agent must
// return the same room and never create a second one.
func TestEnsureRoomIdempotent(t *testing.T) {
	chat := newFakeChat()
	mgr := newTestManager(t, chat)
	ctx := context.Background()

	first, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
		if err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
		if again.RoomID != first.RoomID {
			t.Fatalf("got a second room: %s vs %s", again.RoomID, first.RoomID)
		}
	}
	if chat.roomCreates != 1 {
		t.Fatalf("expected 1 room creation, got %d", chat.roomCreates)
	}
	if chat.spaceCreate != 1 {
		t.Fatalf("expected 1 space creation, got %d", chat.spaceCreate)
	}
}

func TestFullSyncTwiceCreatesNothingNew(t *testing.T) {
	chat := newFakeChat()
	mgr := newTestManager(t, chat)
	ctx := context.Background()
	agents := []string{"agent-a", "agent-b", "agent-c"}

	for _, agent := range agents {
		if _, err := mgr.EnsureRoom(ctx, agent, agent); err != nil {
			t.Fatalf("sync 1 %s: %v", agent, err)
		}
	}
	creates := chat.roomCreates
	invites := len(chat.invites)

	for _, agent := range agents {
		if _, err := mgr.EnsureRoom(ctx, agent, agent); err != nil {
			t.Fatalf("sync 2 %s: %v", agent, err)
		}
	}
	if chat.roomCreates != creates {
		t.Fatalf("second sync created %d extra rooms", chat.roomCreates-creates)
	}
	if len(chat.invites) != invites {
		t.Fatalf("second sync issued %d extra invites", len(chat.invites)-invites)
	}
}

func TestRevokedMembershipReplaysInvites(t *testing.T) {
	chat := newFakeChat()
	mgr := newTestManager(t, chat)
	ctx := context.Background()

	rec, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	mgr.HandleMembershipRevoked(rec.RoomID, adminUser)
	got, _ := mgr.Record("agent-a")
	if got.Stage != StageRoomCreated {
		t.Fatalf("expected demotion to room_created, got %s", got.Stage)
	}

	invitesBefore := len(chat.invites)
	after, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if after.Stage != StageSteady {
		t.Fatalf("expected steady after replay, got %s", after.Stage)
	}
	if after.RoomID != rec.RoomID {
		t.Fatal("replay must reuse the existing room")
	}
	if len(chat.invites) != invitesBefore+1 {
		t.Fatalf("expected invite replay, got %v", chat.invites)
	}
}

func TestRoomGoneRecreates(t *testing.T) {
	chat := newFakeChat()
	mgr := newTestManager(t, chat)
	ctx := context.Background()

	rec, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	mgr.HandleRoomGone(rec.RoomID)
	after, err := mgr.EnsureRoom(ctx, "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if after.RoomID == rec.RoomID || after.RoomID == "" {
		t.Fatalf("expected a fresh room, got %q", after.RoomID)
	}
	if after.Stage != StageSteady {
		t.Fatalf("expected steady, got %s", after.Stage)
	}
}

func TestRecordsSurviveRestart(t *testing.T) {
	chat := newFakeChat()
	path := filepath.Join(t.TempDir(), "rooms.json")
	cache := membership.NewCache(chat, time.Minute)
	cfg := Config{StatePath: path, BotUser: botUser, Admins: []id.UserID{adminUser}}

	mgr, err := NewManager(chat, cache, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rec, err := mgr.EnsureRoom(context.Background(), "agent-a", "Red Door")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	reloaded, err := NewManager(chat, membership.NewCache(chat, time.Minute), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload manager: %v", err)
	}
	got, ok := reloaded.Record("agent-a")
	if !ok {
		t.Fatal("record lost on restart")
	}
	if got.RoomID != rec.RoomID || got.Stage != StageSteady {
		t.Fatalf("unexpected reloaded record: %+v", got)
	}
	if chatRoomCreates := chat.roomCreates; chatRoomCreates != 1 {
		t.Fatalf("restart must not create rooms, got %d creates", chatRoomCreates)
	}
}
