package mailbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmail/matrix-bridge/pkg/identity"
	"github.com/agentmail/matrix-bridge/pkg/ledger"
	"github.com/agentmail/matrix-bridge/pkg/mailclient"
)

// InboxFetcher fetches an agent's new mailbox messages since a cursor.
type InboxFetcher interface {
	FetchInbox(ctx context.Context, alias, sinceID string) ([]mailclient.InboxMessage, error)
}

// Poller drives the recurring mailbox→chat direction. It holds the same
// long-lived store handles across cycles; reconstructing stores (and their
// caches and connections) every tick is exactly the auth-storm failure mode
// this layout exists to prevent.
type Poller struct {
	identities   *identity.Store
	ledger       *ledger.Store
	router       *Router
	fetch        InboxFetcher
	concurrency  int
	agentTimeout time.Duration
	log          zerolog.Logger

	running atomic.Bool
	last    atomic.Pointer[CycleStats]
}

func NewPoller(
	identities *identity.Store,
	ledgerStore *ledger.Store,
	router *Router,
	fetch InboxFetcher,
	concurrency int,
	agentTimeout time.Duration,
	log zerolog.Logger,
) *Poller {
	if concurrency <= 0 {
		concurrency = defaultPollConcurrency
	}
	if agentTimeout <= 0 {
		agentTimeout = defaultAgentTimeout
	}
	return &Poller{
		identities:   identities,
		ledger:       ledgerStore,
		router:       router,
		fetch:        fetch,
		concurrency:  concurrency,
		agentTimeout: agentTimeout,
		log:          log.With().Str("component", "poller").Logger(),
	}
}

// CycleStats summarizes one poll cycle for the status report.
type CycleStats struct {
	Trace      string
	StartedAt  time.Time
	Duration   time.Duration
	Agents     int
	Forwarded  int
	Duplicates int
	Errors     int
}

// LastCycle returns the most recent completed cycle's stats, if any.
func (p *Poller) LastCycle() *CycleStats {
	return p.last.Load()
}

// RunCycle polls every registered identity once through a bounded worker
// pool. A failing or slow backend for one agent never blocks the others and
// never aborts the cycle. Overlapping cycles are collapsed: if the previous
// cycle is still running, this one is skipped.
func (p *Poller) RunCycle(ctx context.Context) *CycleStats {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Warn().Msg("Previous poll cycle still running, skipping this tick")
		return nil
	}
	defer p.running.Store(false)

	stats := &CycleStats{
		Trace:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	agents := p.identities.Registered()
	stats.Agents = len(agents)
	log := p.log.With().Str("trace", stats.Trace).Logger()

	jobs := make(chan *identity.AgentIdentity)
	var wg sync.WaitGroup
	var forwarded, duplicates, errCount atomic.Int64
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agent := range jobs {
				f, d, err := p.pollAgent(ctx, log, agent)
				forwarded.Add(int64(f))
				duplicates.Add(int64(d))
				if err != nil {
					errCount.Add(1)
				}
			}
		}()
	}
	for _, agent := range agents {
		jobs <- agent
	}
	close(jobs)
	wg.Wait()

	stats.Forwarded = int(forwarded.Load())
	stats.Duplicates = int(duplicates.Load())
	stats.Errors = int(errCount.Load())
	stats.Duration = time.Since(stats.StartedAt)
	p.last.Store(stats)
	log.Info().
		Int("agents", stats.Agents).
		Int("forwarded", stats.Forwarded).
		Int("duplicates", stats.Duplicates).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("Poll cycle finished")
	return stats
}

// pollAgent fetches and routes one agent's new messages. The cursor advances
// past a message only after it was forwarded or confirmed as a duplicate, so
// an abandoned agent (timeout, remote failure) is retried from the same
// position next cycle.
func (p *Poller) pollAgent(ctx context.Context, log zerolog.Logger, agent *identity.AgentIdentity) (forwarded, duplicates int, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.agentTimeout)
	defer cancel()
	log = log.With().Str("agent", agent.CanonicalID).Str("alias", agent.MailboxAlias).Logger()

	cursor, err := p.ledger.Cursor(ctx, agent.CanonicalID)
	if err != nil {
		log.Err(err).Msg("Failed to read poll cursor")
		return 0, 0, err
	}
	messages, err := p.fetch.FetchInbox(ctx, agent.MailboxAlias, cursor)
	if err != nil {
		// Transient remote failure: skip this agent, retry next cycle.
		log.Warn().Err(err).Msg("Inbox fetch failed, will retry next cycle")
		return 0, 0, err
	}

	for i := range messages {
		msg := &messages[i]
		sent, err := p.router.DeliverMail(ctx, agent, msg)
		if err != nil {
			if errors.Is(err, ErrUnresolvedRecipient) {
				log.Warn().Err(err).Str("message_id", msg.ID).
					Msg("Recipient unresolved, holding message for reconciliation")
			} else {
				log.Err(err).Str("message_id", msg.ID).Msg("Failed to deliver message")
			}
			// Do not advance past the failed message.
			return forwarded, duplicates, err
		}
		if sent {
			forwarded++
		} else {
			duplicates++
		}
		if err = p.ledger.AdvanceCursor(ctx, agent.CanonicalID, msg.ID); err != nil {
			log.Err(err).Msg("Failed to advance poll cursor")
			return forwarded, duplicates, err
		}
	}
	return forwarded, duplicates, nil
}
