package mailbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/agentmail/matrix-bridge/pkg/identity"
	"github.com/agentmail/matrix-bridge/pkg/ledger"
	"github.com/agentmail/matrix-bridge/pkg/mailclient"
	"github.com/agentmail/matrix-bridge/pkg/rooms"
)

// ChatSender delivers a plain text message into a Matrix room.
type ChatSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) error
}

// MailSender delivers a message into the mailbox service.
type MailSender interface {
	SendMessage(ctx context.Context, msg *mailclient.OutgoingMessage) (string, error)
}

// ErrUnresolvedRecipient marks a message whose recipient has no usable chat
// destination yet. The caller must not advance the cursor past it; it is
// retried after reconciliation.
var ErrUnresolvedRecipient = errors.New("recipient has no chat destination")

// Router decides where messages go in both directions and applies the
// delivery-ledger gate. One instance is shared by the poll workers and the
// Matrix event handler; all state lives in the shared stores.
type Router struct {
	identities *identity.Store
	rooms      *rooms.Manager
	ledger     *ledger.Store
	chat       ChatSender
	mail       MailSender
	filter     *keywordFilter

	botUser     id.UserID
	bridgeAlias string

	// onUnresolved is invoked when a recipient cannot be resolved, so the
	// bridge can schedule a reconciliation pass.
	onUnresolved func()

	// threadMu guards threads, the last mailbox thread id delivered into
	// each room. Chat replies in that room rejoin the same thread.
	threadMu sync.Mutex
	threads  map[id.RoomID]string

	log zerolog.Logger
}

type RouterConfig struct {
	BotUser      id.UserID
	BridgeAlias  string
	Keywords     []string
	OnUnresolved func()
}

func NewRouter(
	identities *identity.Store,
	roomMgr *rooms.Manager,
	ledgerStore *ledger.Store,
	chat ChatSender,
	mail MailSender,
	cfg RouterConfig,
	log zerolog.Logger,
) *Router {
	return &Router{
		identities:   identities,
		rooms:        roomMgr,
		ledger:       ledgerStore,
		chat:         chat,
		mail:         mail,
		filter:       newKeywordFilter(cfg.Keywords),
		botUser:      cfg.BotUser,
		bridgeAlias:  cfg.BridgeAlias,
		onUnresolved: cfg.OnUnresolved,
		threads:      make(map[id.RoomID]string),
		log:          log.With().Str("component", "router").Logger(),
	}
}

// DeliverMail forwards one inbound mailbox message to the recipient agent's
// room. Returns true if a chat message was sent, false for a confirmed
// duplicate. The ledger entry is written only after the chat send succeeded.
func (r *Router) DeliverMail(ctx context.Context, recipient *identity.AgentIdentity, msg *mailclient.InboxMessage) (bool, error) {
	forward, err := r.ledger.ShouldForward(ctx, recipient.CanonicalID, msg.ID)
	if err != nil {
		return false, err
	}
	if !forward {
		return false, nil
	}

	rec, err := r.rooms.EnsureRoom(ctx, recipient.CanonicalID, recipient.DisplayName)
	if err != nil {
		r.notifyUnresolved()
		return false, fmt.Errorf("%w: %v", ErrUnresolvedRecipient, err)
	}
	if rec.Stage != rooms.StageSteady || rec.RoomID == "" {
		r.notifyUnresolved()
		return false, fmt.Errorf("%w: room for %s stuck at %s", ErrUnresolvedRecipient, recipient.CanonicalID, rec.Stage)
	}
	if recipient.ChatRoomID != rec.RoomID {
		if err = r.identities.SetChatRoom(recipient.CanonicalID, rec.RoomID); err != nil {
			return false, err
		}
	}

	text := formatMailEnvelope(msg.Sender, msg.Subject, msg.Timestamp.Time, msg.Body)
	if err = r.chat.SendText(ctx, rec.RoomID, text); err != nil {
		return false, fmt.Errorf("send to %s: %w", rec.RoomID, err)
	}
	if err = r.ledger.MarkForwarded(ctx, recipient.CanonicalID, msg.ID); err != nil {
		return false, err
	}
	if msg.ThreadID != "" {
		r.threadMu.Lock()
		r.threads[rec.RoomID] = msg.ThreadID
		r.threadMu.Unlock()
	}
	r.log.Debug().
		Str("recipient", recipient.CanonicalID).
		Str("message_id", msg.ID).
		Stringer("room_id", rec.RoomID).
		Msg("Forwarded mailbox message to chat")
	return true, nil
}

// ChatForwardResult explains what HandleChatMessage did with an event.
type ChatForwardResult string

const (
	ChatForwarded      ChatForwardResult = "forwarded"
	ChatSkippedSelf    ChatForwardResult = "skipped_self"
	ChatSkippedRoom    ChatForwardResult = "skipped_unbridged_room"
	ChatSkippedFilter  ChatForwardResult = "skipped_filter"
	ChatSkippedNoAlias ChatForwardResult = "skipped_no_alias"
)

// HandleChatMessage forwards a chat event into the mailbox of the agent whose
// room it was sent in, provided it passes the admission filter. The original
// event is never modified; enrichment applies only to the forwarded copy.
func (r *Router) HandleChatMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) (ChatForwardResult, error) {
	// Feedback-loop guard: the bridge's own deliveries must never be
	// re-forwarded into the mailbox service.
	if sender == r.botUser {
		return ChatSkippedSelf, nil
	}

	recipient, err := r.identities.ResolveRoom(roomID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ChatSkippedRoom, nil
		}
		return ChatSkippedRoom, err
	}
	if recipient.MailboxAlias == "" || !recipient.Registered {
		r.notifyUnresolved()
		return ChatSkippedNoAlias, fmt.Errorf("%w: %s has no registered alias", ErrUnresolvedRecipient, recipient.CanonicalID)
	}

	if !r.filter.Match(body) {
		return ChatSkippedFilter, nil
	}

	// Inter-agent messages carry a machine-readable sender block; messages
	// from humans go through with just the body.
	senderCanonical, senderName := "", ""
	if senderIdentity, err := r.identities.ResolveChatUser(sender); err == nil {
		senderCanonical = senderIdentity.CanonicalID
		senderName = senderIdentity.DisplayName
	}

	r.threadMu.Lock()
	threadID := r.threads[roomID]
	r.threadMu.Unlock()

	out := &mailclient.OutgoingMessage{
		Sender:   r.bridgeAlias,
		To:       []string{recipient.MailboxAlias},
		Subject:  fmt.Sprintf("Chat message from %s", senderLabel(senderName, sender)),
		Body:     buildForwardBody(body, senderCanonical, senderName, r.bridgeAlias),
		ThreadID: threadID,
	}
	if _, err = r.mail.SendMessage(ctx, out); err != nil {
		return "", fmt.Errorf("forward chat message to mailbox: %w", err)
	}
	r.log.Debug().
		Stringer("room_id", roomID).
		Stringer("sender", sender).
		Str("recipient_alias", recipient.MailboxAlias).
		Msg("Forwarded chat message to mailbox")
	return ChatForwarded, nil
}

func senderLabel(displayName string, userID id.UserID) string {
	if displayName != "" {
		return displayName
	}
	return userID.String()
}

func (r *Router) notifyUnresolved() {
	if r.onUnresolved != nil {
		r.onUnresolved()
	}
}
