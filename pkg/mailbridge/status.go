package mailbridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmail/matrix-bridge/pkg/identity"
	"github.com/agentmail/matrix-bridge/pkg/rooms"
)

// StatusReport is the operator-facing sync-status/verification view: a
// dry-run diff against the mailbox directory plus room and poll health.
// Nothing in it mutates state.
type StatusReport struct {
	Agents           int
	RegisteredAgents int
	RoomStages       map[rooms.Stage]int
	Drift            *identity.Drift
	AuthorityQueries int64
	LastCycle        *CycleStats
}

// StatusReport builds the report. The drift section needs one directory
// fetch; everything else reads local state.
func (br *Bridge) StatusReport(ctx context.Context) (*StatusReport, error) {
	entries, err := br.mail.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox directory: %w", err)
	}
	report := &StatusReport{
		RoomStages:       br.rooms.CountByStage(),
		Drift:            br.identities.Diff(directoryBindings(entries)),
		AuthorityQueries: br.membership.AuthorityQueries(),
		LastCycle:        br.poller.LastCycle(),
	}
	for _, agent := range br.identities.All() {
		report.Agents++
		if agent.Registered {
			report.RegisteredAgents++
		}
	}
	return report, nil
}

// Format renders the report for a command reply.
func (r *StatusReport) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agents: %d (%d registered)\n", r.Agents, r.RegisteredAgents)
	fmt.Fprintf(&b, "Rooms: %d steady, %d in progress\n",
		r.RoomStages[rooms.StageSteady],
		r.RoomStages[rooms.StageNoRoom]+r.RoomStages[rooms.StageRoomCreated]+r.RoomStages[rooms.StageMembersInvited])
	fmt.Fprintf(&b, "Drift: %s\n", r.Drift)
	fmt.Fprintf(&b, "Membership queries since start: %d\n", r.AuthorityQueries)
	if r.LastCycle != nil {
		fmt.Fprintf(&b, "Last poll cycle: %d agents, %d forwarded, %d duplicates, %d errors in %s",
			r.LastCycle.Agents, r.LastCycle.Forwarded, r.LastCycle.Duplicates,
			r.LastCycle.Errors, r.LastCycle.Duration.Round(time.Millisecond))
	} else {
		b.WriteString("Last poll cycle: none yet")
	}
	return b.String()
}
