package hunt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for hunt logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Manager is the hunt control plane. It creates hunt sessions, drives
// their lifecycle, installs and removes the foreman rules that feed
// them, and admits matched clients. It implements
// foreman.HuntScheduler.
type Manager struct {
	deps    *flow.Deps
	foreman *foreman.Foreman
	logger  Logger
}

// NewManager creates a hunt manager on the dependencies the flow engine
// uses, along with the foreman that feeds it. A nil logger disables
// logging.
func NewManager(deps *flow.Deps, logger Logger) *Manager {
	d := *deps
	if d.Hooks == nil {
		d.Hooks = hooks.NewRegistry()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	m := &Manager{deps: &d, logger: logger}
	m.foreman = foreman.New(d.Store, d.Queues, m, logger)
	return m
}

// Foreman returns the rule evaluator wired to this manager. The
// frontend runs it against checking-in clients.
func (m *Manager) Foreman() *foreman.Foreman { return m.foreman }

func validateArgs(args *Args) error {
	if args.FlowName == "" {
		return fmt.Errorf("hunt needs a flow to run")
	}
	if args.FlowName == GenericHuntName {
		return fmt.Errorf("a hunt cannot run %q", GenericHuntName)
	}
	if _, ok := flow.Lookup(args.FlowName); !ok {
		return fmt.Errorf("unknown flow %q", args.FlowName)
	}
	if args.ClientRate < 0 {
		return fmt.Errorf("client rate must not be negative")
	}
	if args.ClientLimit < 0 {
		return fmt.Errorf("client limit must not be negative")
	}
	if args.ClientLimit > MaxClientLimit && !args.Force {
		return fmt.Errorf("client limit %d exceeds the maximum of %d", args.ClientLimit, MaxClientLimit)
	}
	if args.Expiry < 0 {
		return fmt.Errorf("expiry must not be negative")
	}
	if args.Expiry == 0 {
		args.Expiry = DefaultExpiry
	}
	return nil
}

// Create validates args and writes a new hunt in PAUSED state, backed
// by a session on the hunt queue. Nothing is scheduled until Start.
// With an ACL manager configured, a user token needs the right to start
// the hunted flow; a nil token is an internal create.
func (m *Manager) Create(ctx context.Context, args Args, creator string, token *acl.Token) (*Hunt, error) {
	if err := validateArgs(&args); err != nil {
		return nil, err
	}
	if m.deps.ACL != nil && token != nil {
		def, _ := flow.Lookup(args.FlowName)
		if err := m.deps.ACL.CheckIfCanStartFlow(ctx, token, args.FlowName, def.Category()); err != nil {
			return nil, err
		}
	}

	now := m.deps.Store.Now()
	h := &Hunt{
		ID:      types.NewSessionID(types.HuntQueue),
		Args:    args,
		State:   StatePaused,
		Creator: creator,
		Created: now,
		Expires: now.Add(args.Expiry),
	}
	buf, err := encodeHunt(h)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Store.Set(ctx, h.ID.Subject(), huntPredicate, buf, 0, true); err != nil {
		return nil, fmt.Errorf("failed to store hunt %s: %w", h.ID, err)
	}
	if _, err := flow.StartFlow(ctx, m.deps, flow.StartArgs{
		FlowName:  GenericHuntName,
		SessionID: h.ID,
		QueueName: types.HuntQueue,
		Creator:   creator,
	}); err != nil {
		return nil, fmt.Errorf("failed to start hunt session %s: %w", h.ID, err)
	}

	huntsCreated.Inc()
	m.logger.Info("hunt created",
		"hunt_id", h.ID.String(),
		"flow", args.FlowName,
		"creator", creator,
	)
	return h, nil
}

// Start moves the hunt to STARTED and installs its foreman rule. An
// already started hunt is left alone. With an ACL manager configured, a
// user token needs an approval for the hunt.
func (m *Manager) Start(ctx context.Context, huntID types.SessionID, token *acl.Token) error {
	if err := m.checkAccess(ctx, token, huntID); err != nil {
		return err
	}
	h, changed, err := m.transition(ctx, huntID, func(h *Hunt) error {
		if h.State == StateStarted {
			return nil
		}
		if h.State.Terminal() {
			return fmt.Errorf("%w: hunt %s is %s", ErrBadState, huntID, h.State)
		}
		if h.Expires <= m.deps.Store.Now() {
			return fmt.Errorf("%w: hunt %s expired", ErrBadState, huntID)
		}
		h.State = StateStarted
		return nil
	})
	if err != nil || !changed {
		return err
	}

	rule := &foreman.Rule{
		Expires:     h.Expires,
		Description: ruleDescription(h),
		Regex:       h.Args.Regex,
		Integer:     h.Args.Integer,
		Actions:     []foreman.Action{{HuntID: h.ID, ClientLimit: h.Args.ClientLimit}},
	}
	if err := m.foreman.AppendRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to install foreman rule for %s: %w", huntID, err)
	}
	m.announce(ctx, h, StatePaused, "started", token)
	return nil
}

// Pause moves a started hunt to PAUSED and removes its foreman rules.
// Already admitted clients keep running; no new ones are admitted.
func (m *Manager) Pause(ctx context.Context, huntID types.SessionID, token *acl.Token) error {
	if err := m.checkAccess(ctx, token, huntID); err != nil {
		return err
	}
	h, changed, err := m.transition(ctx, huntID, func(h *Hunt) error {
		if h.State == StatePaused {
			return nil
		}
		if h.State.Terminal() {
			return fmt.Errorf("%w: hunt %s is %s", ErrBadState, huntID, h.State)
		}
		h.State = StatePaused
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if err := m.foreman.RemoveHuntRules(ctx, huntID); err != nil {
		return err
	}
	m.announce(ctx, h, StateStarted, "paused", token)
	return nil
}

// Stop moves the hunt to STOPPED, removes its foreman rules, and marks
// every outstanding child flow for termination. Stopping is final;
// stopping a stopped hunt is a no-op.
func (m *Manager) Stop(ctx context.Context, huntID types.SessionID, token *acl.Token) error {
	if err := m.checkAccess(ctx, token, huntID); err != nil {
		return err
	}
	var from State
	h, changed, err := m.transition(ctx, huntID, func(h *Hunt) error {
		from = h.State
		if h.State == StateStopped {
			return nil
		}
		if h.State == StateCompleted {
			return fmt.Errorf("%w: hunt %s is %s", ErrBadState, huntID, h.State)
		}
		h.State = StateStopped
		h.StopReason = "Stopped by user."
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if err := m.foreman.RemoveHuntRules(ctx, huntID); err != nil {
		return err
	}
	if err := terminateChildren(ctx, m.deps.Store, m.deps.Queues, huntID); err != nil {
		return err
	}
	m.announce(ctx, h, from, h.StopReason, token)
	return nil
}

// Modifications are the hunt fields adjustable after creation. Nil
// pointers leave a field alone.
type Modifications struct {
	// ClientLimit replaces the scheduling cap, under the same ceiling
	// as Create.
	ClientLimit *int

	// Expiry rebases the deadline to now plus the given duration.
	Expiry *time.Duration
}

// Modify adjusts a paused hunt's client limit or expiry. Hunts in any
// other state are refused.
func (m *Manager) Modify(ctx context.Context, huntID types.SessionID, mods Modifications, token *acl.Token) error {
	if err := m.checkAccess(ctx, token, huntID); err != nil {
		return err
	}
	_, _, err := m.transition(ctx, huntID, func(h *Hunt) error {
		if h.State != StatePaused {
			return fmt.Errorf("%w: modify needs a paused hunt, %s is %s", ErrBadState, huntID, h.State)
		}
		if mods.ClientLimit != nil {
			limit := *mods.ClientLimit
			if limit < 0 {
				return fmt.Errorf("client limit must not be negative")
			}
			if limit > MaxClientLimit && !h.Args.Force {
				return fmt.Errorf("client limit %d exceeds the maximum of %d", limit, MaxClientLimit)
			}
			h.Args.ClientLimit = limit
		}
		if mods.Expiry != nil {
			if *mods.Expiry <= 0 {
				return fmt.Errorf("expiry must be positive")
			}
			h.Args.Expiry = *mods.Expiry
			h.Expires = m.deps.Store.Now().Add(*mods.Expiry)
		}
		return nil
	})
	if err == nil {
		m.logger.Info("hunt modified", "hunt_id", huntID.String())
	}
	return err
}

// transition rewrites the hunt object under its subject transaction.
// The mutate callback returns nil without changing the state to signal
// a no-op. Reports whether the state changed.
func (m *Manager) transition(ctx context.Context, huntID types.SessionID, mutate func(*Hunt) error) (*Hunt, bool, error) {
	var h *Hunt
	changed := false
	err := datastore.RetryWrapper(ctx, m.deps.Store, huntID.Subject(), func(tx datastore.Tx) error {
		var err error
		h, err = loadHuntTx(ctx, tx, huntID)
		if err != nil {
			return err
		}
		before := h.State
		if err := mutate(h); err != nil {
			return err
		}
		changed = h.State != before
		buf, err := encodeHunt(h)
		if err != nil {
			return err
		}
		tx.Set(huntPredicate, buf, 0, true)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return h, changed, nil
}

func (m *Manager) announce(ctx context.Context, h *Hunt, from State, reason string, token *acl.Token) {
	username := ""
	if token != nil {
		username = token.Username
	}
	huntStateChanges.WithLabelValues(string(h.State)).Inc()
	if err := m.deps.Hooks.TriggerHuntStateChange(ctx, hooks.HuntStateChangeEvent{
		HuntID:   h.ID,
		OldState: string(from),
		NewState: string(h.State),
		Username: username,
		Reason:   reason,
	}); err != nil {
		m.logger.Warn("hunt state change hook failed", "hunt_id", h.ID.String(), "error", err)
	}
	m.logger.Info("hunt state change",
		"hunt_id", h.ID.String(),
		"from", string(from),
		"to", string(h.State),
		"reason", reason,
	)
}

func (m *Manager) checkAccess(ctx context.Context, token *acl.Token, huntID types.SessionID) error {
	if m.deps.ACL == nil || token == nil {
		return nil
	}
	return m.deps.ACL.CheckHuntAccess(ctx, token, huntID, acl.Write)
}

func ruleDescription(h *Hunt) string {
	if h.Args.Name == "" {
		return h.ID.String()
	}
	return fmt.Sprintf("%s (%s)", h.Args.Name, h.ID)
}

// Get reads the hunt object.
func (m *Manager) Get(ctx context.Context, huntID types.SessionID) (*Hunt, error) {
	return loadHunt(ctx, m.deps.Store, huntID)
}

// Status combines the hunt object with its progress counters and the
// session's accumulated resource usage.
type Status struct {
	Hunt             *Hunt
	Counters         Counters
	CPUUsed          float64
	NetworkBytesUsed uint64
}

// Status reads the hunt together with its live counters.
func (m *Manager) Status(ctx context.Context, huntID types.SessionID) (*Status, error) {
	h, err := m.Get(ctx, huntID)
	if err != nil {
		return nil, err
	}
	flowContext, err := flow.LoadContext(ctx, m.deps.Store, huntID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Hunt:             h,
		CPUUsed:          flowContext.CPUUsed,
		NetworkBytesUsed: flowContext.NetworkBytesUsed,
	}
	if flowContext.Has(countersKey) {
		if err := flowContext.Get(countersKey, &st.Counters); err != nil {
			return nil, fmt.Errorf("failed to decode hunt counters: %w", err)
		}
	}
	return st, nil
}

// List returns every hunt, newest first. Zero limit means no limit.
func (m *Manager) List(ctx context.Context, limit int) ([]*Hunt, error) {
	subjects, err := m.deps.Store.ScanSubjects(ctx, "hunts/", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan hunts: %w", err)
	}
	var hunts []*Hunt
	for _, subject := range subjects {
		recs, err := m.deps.Store.ResolveMulti(ctx, subject, []string{huntPredicate}, datastore.Newest())
		if err != nil {
			return nil, fmt.Errorf("failed to read hunt on %s: %w", subject, err)
		}
		if len(recs) == 0 {
			// Membership and result subjects share the prefix.
			continue
		}
		h, err := decodeHunt(recs[0].Value)
		if err != nil {
			m.logger.Warn("skipping undecodable hunt", "subject", subject, "error", err)
			continue
		}
		hunts = append(hunts, h)
	}
	sort.Slice(hunts, func(i, j int) bool { return hunts[i].Created > hunts[j].Created })
	if limit > 0 && len(hunts) > limit {
		hunts = hunts[:limit]
	}
	return hunts, nil
}

// StartClients feeds matched clients to a started hunt. Each client is
// requested once; repeats are dropped, so the foreman can fire the same
// match twice without duplicating work. The request only asks for
// admission: the runner's AddClient state checks the client limit and
// records AllClients membership, so the admitted set never exceeds it.
func (m *Manager) StartClients(ctx context.Context, huntID types.SessionID, clients ...types.ClientID) error {
	h, err := loadHunt(ctx, m.deps.Store, huntID)
	if err != nil {
		return err
	}
	if h.State != StateStarted {
		m.logger.Debug("dropping clients for inactive hunt",
			"hunt_id", huntID.String(),
			"state", string(h.State),
			"clients", len(clients),
		)
		return nil
	}

	now := m.deps.Store.Now()
	subject := seenClientsSubject(huntID)
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, clientID := range clients {
		added, err := addMember(ctx, m.deps.Store, subject, clientID, now)
		if err != nil {
			keep(err)
			continue
		}
		if !added {
			continue
		}
		marker, err := types.NewDocument(flow.ClientMarkerTypeName, flow.ClientMarker{ClientID: clientID, Time: now})
		if err != nil {
			keep(err)
			continue
		}
		if _, err := flow.SynthesizeRequest(ctx, m.deps, huntID, stateAddClient, clientID, marker); err != nil {
			keep(err)
			continue
		}
		clientsScheduled.Inc()
	}
	return firstErr
}

// terminateChildren marks every outstanding child flow of the hunt for
// termination and wakes it. Children observe the mark on their next
// pass and fail with the parent's reason.
func terminateChildren(ctx context.Context, ds datastore.DataStore, queues *queue.Manager, huntID types.SessionID) error {
	table, err := queues.Requests(ctx, huntID)
	if err != nil {
		return fmt.Errorf("failed to read hunt requests for %s: %w", huntID, err)
	}
	var firstErr error
	for _, req := range table {
		if req.Complete || req.ChildSessionID == "" {
			continue
		}
		if err := flow.MarkForTermination(ctx, ds, req.ChildSessionID, ParentStoppedReason); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := queues.NotifySession(ctx, req.ChildSessionID, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
