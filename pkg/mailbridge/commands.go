package mailbridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"
)

// handleCommand processes operator commands issued in any bridged room.
// Only configured admins may use them.
func (br *Bridge) handleCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	if !br.isAdmin(sender) {
		return
	}
	args := strings.Fields(strings.TrimPrefix(body, br.cfg.Bridge.CommandPrefix))
	command := ""
	if len(args) > 0 {
		command = strings.ToLower(args[0])
	}

	var reply string
	switch command {
	case "reconcile":
		drift, err := br.Reconcile(ctx)
		if err != nil {
			reply = fmt.Sprintf("Reconciliation failed: %v", err)
			break
		}
		reply = "Reconciliation finished: " + drift.String()
	case "status":
		report, err := br.StatusReport(ctx)
		if err != nil {
			reply = fmt.Sprintf("Status query failed: %v", err)
			break
		}
		reply = report.Format()
	case "agents":
		reply = br.formatAgentList()
	default:
		reply = fmt.Sprintf(
			"Commands: %[1]s reconcile (re-sync identities against the mailbox directory), "+
				"%[1]s status (mapping drift and poll stats), "+
				"%[1]s agents (list bridged agents)",
			br.cfg.Bridge.CommandPrefix)
	}

	if err := br.matrix.SendText(ctx, roomID, reply); err != nil {
		br.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send command reply")
	}
}

func (br *Bridge) isAdmin(userID id.UserID) bool {
	for _, admin := range br.cfg.Bridge.Admins {
		if admin == userID {
			return true
		}
	}
	return false
}

func (br *Bridge) formatAgentList() string {
	agents := br.identities.All()
	if len(agents) == 0 {
		return "No bridged agents yet."
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].DisplayName < agents[j].DisplayName
	})
	var b strings.Builder
	fmt.Fprintf(&b, "%d bridged agents:\n", len(agents))
	for _, agent := range agents {
		state := "unregistered"
		if agent.Registered {
			state = "registered"
		}
		room := "no room"
		if agent.ChatRoomID != "" {
			room = agent.ChatRoomID.String()
		}
		fmt.Fprintf(&b, "• %s (%s, alias %q, %s, %s)\n",
			agent.DisplayName, agent.CanonicalID, agent.MailboxAlias, state, room)
	}
	return strings.TrimRight(b.String(), "\n")
}
