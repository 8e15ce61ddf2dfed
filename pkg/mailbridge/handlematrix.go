package mailbridge

import (
	"context"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// registerSyncHandlers wires the bridge into the mautrix syncer. Events from
// before the first sync are dropped so a restart does not replay history
// into the mailbox service.
func (br *Bridge) registerSyncHandlers() {
	syncer := br.matrix.Client().Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(br.matrix.Client().DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, br.onMessageEvent)
	syncer.OnEventType(event.StateMember, br.onMemberEvent)
}

func (br *Bridge) onMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == br.matrix.UserID() {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	body := content.Body

	if strings.HasPrefix(body, br.cfg.Bridge.CommandPrefix) {
		br.handleCommand(ctx, evt.RoomID, evt.Sender, body)
		return
	}

	// Unresolved recipients schedule a reconciliation pass through the
	// router's OnUnresolved hook, so a failure here is just logged.
	if _, err := br.router.HandleChatMessage(ctx, evt.RoomID, evt.Sender, body); err != nil {
		br.log.Warn().Err(err).
			Stringer("room_id", evt.RoomID).
			Stringer("sender", evt.Sender).
			Msg("Failed to handle chat message")
	}
}

// onMemberEvent keeps the membership cache and room lifecycle honest about
// externally observed leaves and kicks.
func (br *Bridge) onMemberEvent(_ context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	switch content.Membership {
	case event.MembershipLeave, event.MembershipBan:
		br.membership.Invalidate(evt.RoomID, target)
		br.rooms.HandleMembershipRevoked(evt.RoomID, target)
		br.log.Debug().
			Stringer("room_id", evt.RoomID).
			Stringer("user_id", target).
			Str("membership", string(content.Membership)).
			Msg("Membership revoked, cache invalidated")
	case event.MembershipJoin:
		// A fresh join just invalidates so the next check re-verifies.
		br.membership.Invalidate(evt.RoomID, target)
	}
}
