// Package mailbridge connects a Matrix homeserver with an agent-mailbox
// service: mailbox messages are polled into per-agent Matrix rooms exactly
// once per recipient, and coordination messages from chat flow back into the
// mailbox service.
package mailbridge

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/agentmail/matrix-bridge/pkg/identity"
	"github.com/agentmail/matrix-bridge/pkg/ledger"
	"github.com/agentmail/matrix-bridge/pkg/mailclient"
	"github.com/agentmail/matrix-bridge/pkg/membership"
	"github.com/agentmail/matrix-bridge/pkg/rooms"
)

// Bridge owns every long-lived component. All of them are constructed once
// and shared across poll cycles and the Matrix event stream; per-cycle
// reconstruction of this state is what used to storm the homeserver's auth
// endpoint.
type Bridge struct {
	cfg *Config
	log zerolog.Logger

	matrix     *MatrixClient
	mail       *mailclient.Client
	db         *dbutil.Database
	identities *identity.Store
	ledger     *ledger.Store
	membership *membership.Cache
	rooms      *rooms.Manager
	router     *Router
	poller     *Poller

	bridgeAlias string
	scheduler   *cron.Cron

	reconcileWanted atomic.Bool
	cancelSync      context.CancelFunc
}

// New wires the bridge from config. Persistent state that fails validation
// aborts startup here.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	br := &Bridge{cfg: cfg, log: log}

	var err error
	if br.matrix, err = NewMatrixClient(&cfg.Homeserver, log); err != nil {
		return nil, err
	}
	br.mail = mailclient.NewClient(cfg.Mailbox.Address, cfg.Mailbox.AuthToken, log)

	raw, err := sql.Open("sqlite3", filepath.Join(cfg.Bridge.DataDir, "mailbridge.db"))
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if br.db, err = dbutil.NewWithDB(raw, "sqlite3"); err != nil {
		return nil, fmt.Errorf("wrap ledger database: %w", err)
	}
	br.ledger = ledger.NewStore(br.db)

	if br.identities, err = identity.NewStore(filepath.Join(cfg.Bridge.DataDir, "identities.json"), log); err != nil {
		_ = br.db.Close()
		return nil, err
	}
	br.membership = membership.NewCache(br.matrix, cfg.MembershipFreshness())
	if br.rooms, err = rooms.NewManager(br.matrix, br.membership, rooms.Config{
		StatePath: filepath.Join(cfg.Bridge.DataDir, "rooms.json"),
		BotUser:   br.matrix.UserID(),
		Admins:    cfg.Bridge.Admins,
		SpaceName: cfg.Bridge.SpaceName,
	}, log); err != nil {
		_ = br.db.Close()
		return nil, err
	}

	// The alias is provisional until the mailbox service confirms it at
	// startup; the service may assign something other than the requested name.
	br.bridgeAlias = cfg.Mailbox.BridgeName
	br.router = NewRouter(br.identities, br.rooms, br.ledger, br.matrix, br.mail, RouterConfig{
		BotUser:      br.matrix.UserID(),
		BridgeAlias:  br.bridgeAlias,
		Keywords:     cfg.Forwarding.Keywords,
		OnUnresolved: br.requestReconcile,
	}, log)
	br.poller = NewPoller(br.identities, br.ledger, br.router, br.mail,
		cfg.Bridge.PollConcurrency, cfg.AgentTimeout(), log)
	return br, nil
}

// Start brings the bridge online: schema, self-registration, an initial
// reconciliation pass, the poll scheduler and the Matrix sync loop.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.ledger.EnsureSchema(ctx); err != nil {
		return err
	}

	// Register the bridge's own mailbox identity. The assigned alias may
	// differ from the requested name; transient failure is not fatal, the
	// provisional name is used until the next reconciliation.
	alias, err := br.mail.RegisterIdentity(ctx, br.cfg.Mailbox.BridgeName, map[string]string{
		"kind":   "bridge",
		"matrix": br.matrix.UserID().String(),
	})
	if err != nil {
		br.log.Warn().Err(err).Msg("Bridge self-registration failed, using configured name")
	} else if alias != br.bridgeAlias {
		br.log.Info().Str("alias", alias).Msg("Mailbox service assigned bridge alias")
		br.bridgeAlias = alias
		br.router.bridgeAlias = alias
	}

	// Startup reconciliation is explicit, never inferred from traffic.
	if _, err = br.Reconcile(ctx); err != nil {
		br.log.Warn().Err(err).Msg("Startup reconciliation failed, will retry on demand")
	}

	br.scheduler = cron.New()
	interval := br.cfg.PollInterval()
	_, err = br.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), br.pollTick)
	if err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	if _, err = br.scheduler.AddFunc("@every 12h", br.pruneTick); err != nil {
		return fmt.Errorf("schedule ledger pruning: %w", err)
	}
	br.scheduler.Start()

	br.registerSyncHandlers()
	syncCtx, cancel := context.WithCancel(context.Background())
	br.cancelSync = cancel
	go func() {
		if err := br.matrix.Client().SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			br.log.Err(err).Msg("Matrix sync loop exited")
		}
	}()

	br.log.Info().
		Stringer("user_id", br.matrix.UserID()).
		Str("bridge_alias", br.bridgeAlias).
		Dur("poll_interval", interval).
		Int("poll_concurrency", br.cfg.Bridge.PollConcurrency).
		Msg("Bridge started")
	return nil
}

// Stop shuts the scheduler and sync loop down and closes the ledger DB.
func (br *Bridge) Stop() {
	if br.scheduler != nil {
		br.scheduler.Stop()
	}
	if br.cancelSync != nil {
		br.cancelSync()
	}
	if br.db != nil {
		_ = br.db.Close()
	}
	br.log.Info().Msg("Bridge stopped")
}

// pollTick runs one poll cycle, preceded by a reconciliation pass if one was
// requested since the last tick.
func (br *Bridge) pollTick() {
	ctx := context.Background()
	if br.reconcileWanted.Swap(false) {
		if _, err := br.Reconcile(ctx); err != nil {
			br.log.Warn().Err(err).Msg("Requested reconciliation failed")
		}
	}
	br.poller.RunCycle(ctx)
}

func (br *Bridge) pruneTick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dropped, err := br.ledger.PruneBefore(ctx, time.Now().Add(-br.cfg.LedgerRetention()))
	if err != nil {
		br.log.Err(err).Msg("Ledger pruning failed")
		return
	}
	if dropped > 0 {
		br.log.Info().Int64("dropped", dropped).Msg("Pruned delivery ledger")
	}
}

func (br *Bridge) requestReconcile() {
	br.reconcileWanted.Store(true)
}

// Reconcile pulls the authoritative alias table, rewrites drifted local
// state and drives every registered agent's room toward steady.
func (br *Bridge) Reconcile(ctx context.Context) (*identity.Drift, error) {
	entries, err := br.mail.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox directory: %w", err)
	}
	drift, err := br.identities.Reconcile(directoryBindings(entries))
	if err != nil {
		return drift, err
	}
	if err = br.syncRooms(ctx); err != nil {
		return drift, err
	}
	if !drift.Clean() {
		br.log.Info().Str("drift", drift.String()).Msg("Reconciliation applied")
	}
	return drift, nil
}

// syncRooms ensures a steady room for every registered identity. Safe to
// re-run: fully synced state performs no remote calls beyond cache misses.
func (br *Bridge) syncRooms(ctx context.Context) error {
	for _, agent := range br.identities.Registered() {
		rec, err := br.rooms.EnsureRoom(ctx, agent.CanonicalID, agent.DisplayName)
		if err != nil {
			return fmt.Errorf("ensure room for %s: %w", agent.CanonicalID, err)
		}
		if agent.ChatRoomID != rec.RoomID {
			if err = br.identities.SetChatRoom(agent.CanonicalID, rec.RoomID); err != nil {
				return err
			}
		}
	}
	return nil
}

func directoryBindings(entries []mailclient.DirectoryEntry) []identity.AliasBinding {
	bindings := make([]identity.AliasBinding, len(entries))
	for i, entry := range entries {
		bindings[i] = identity.AliasBinding{Alias: entry.Alias, DisplayName: entry.DisplayName}
	}
	return bindings
}
