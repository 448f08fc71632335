package hunt

import (
	"context"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/types"
)

// GenericHuntName is the registered flow driving every hunt session.
const GenericHuntName = "GenericHunt"

// Hunt runner state names.
const (
	stateAddClient = "AddClient"
	stateRunClient = "RunClient"
	stateMarkDone  = "MarkDone"
)

// countersKey is the flow-context scratch slot holding Counters.
const countersKey = "hunt_counters"

// genericHunt is the flow behind every hunt session. Its requests are
// consumed unordered because the scheduler appends AddClient work under
// random ids while the session runs. The flow context never terminates
// on its own; the hunt object's state decides whether a tick does
// anything.
type genericHunt struct {
	flow.Base
}

func (genericHunt) Name() string { return GenericHuntName }

func (genericHunt) UnorderedRequests() bool { return true }

// Start is a no-op. Hunts are created paused; work arrives once the
// foreman feeds clients in.
func (genericHunt) Start(ctx context.Context, r *flow.Runner) error { return nil }

func (genericHunt) States() map[string]flow.StateFn {
	return map[string]flow.StateFn{
		stateAddClient: addClient,
		stateRunClient: runClient,
		stateMarkDone:  markDone,
	}
}

func init() {
	flow.MustRegister(genericHunt{})
	types.MustRegisterPayload(CountersTypeName, Counters{})
	types.MustRegisterPayload(ErrorRecordTypeName, ErrorRecord{})
	types.MustRegisterPayload(CrashRecordTypeName, CrashRecord{})
}

func loadCounters(r *flow.Runner) (Counters, error) {
	var c Counters
	if !r.Context().Has(countersKey) {
		return c, nil
	}
	if err := r.Context().Get(countersKey, &c); err != nil {
		return Counters{}, fmt.Errorf("failed to decode hunt counters: %w", err)
	}
	return c, nil
}

func saveCounters(r *flow.Runner, c Counters) error {
	return r.Context().Put(countersKey, CountersTypeName, c)
}

// tick loads the hunt object and applies the time-based transition: a
// started hunt past its deadline completes and sheds its rules.
func tick(ctx context.Context, r *flow.Runner) (*Hunt, error) {
	h, err := loadHunt(ctx, r.Store(), r.SessionID())
	if err != nil {
		return nil, err
	}
	if h.State == StateStarted && h.Expires <= r.Store().Now() {
		if err := transition(ctx, r, h, StateCompleted, "expired"); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// transition rewrites the hunt object in the pass transaction and
// queues the post-commit cleanup the new state requires: rule removal
// always, child termination when stopping. Terminal hunts are left
// alone.
func transition(ctx context.Context, r *flow.Runner, h *Hunt, to State, reason string) error {
	from := h.State
	if from == to || from.Terminal() {
		return nil
	}
	h.State = to
	if to == StateStopped {
		h.StopReason = reason
	}
	buf, err := encodeHunt(h)
	if err != nil {
		return err
	}
	r.SetAttribute(huntPredicate, buf, true)
	r.Log(ctx, "hunt %s: %s", to, reason)

	store := r.Store()
	queues := r.Queues()
	hookReg := r.Hooks()
	huntID := h.ID
	event := hooks.HuntStateChangeEvent{
		HuntID:   huntID,
		OldState: string(from),
		NewState: string(to),
		Reason:   reason,
	}
	r.Defer(func(ctx context.Context) error {
		err := foreman.New(store, nil, nil, nil).RemoveHuntRules(ctx, huntID)
		if to == StateStopped {
			if terr := terminateChildren(ctx, store, queues, huntID); terr != nil && err == nil {
				err = terr
			}
		}
		if herr := hookReg.TriggerHuntStateChange(ctx, event); herr != nil && err == nil {
			err = herr
		}
		return err
	})
	huntStateChanges.WithLabelValues(string(to)).Inc()
	return nil
}

func pauseHunt(ctx context.Context, r *flow.Runner, h *Hunt, reason string) error {
	return transition(ctx, r, h, StatePaused, reason)
}

func stopHunt(ctx context.Context, r *flow.Runner, h *Hunt, reason string) error {
	return transition(ctx, r, h, StateStopped, reason)
}

// addClient admits one matched client: record it against the limit,
// compute its pacing slot, and schedule RunClient for that time.
func addClient(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	h, err := tick(ctx, r)
	if err != nil {
		return err
	}
	req := responses.Request()
	if req == nil || req.ClientID == "" {
		return fmt.Errorf("AddClient without a client")
	}
	if h.State != StateStarted {
		clientsDropped.WithLabelValues("inactive").Inc()
		return nil
	}

	c, err := loadCounters(r)
	if err != nil {
		return err
	}
	if h.Args.ClientLimit > 0 && c.ScheduledClients >= h.Args.ClientLimit {
		clientsDropped.WithLabelValues("limit").Inc()
		return pauseHunt(ctx, r, h, "client limit reached")
	}

	now := r.Store().Now()
	if _, err := addMember(ctx, r.Store(), AllClientsSubject(h.ID), req.ClientID, now); err != nil {
		return err
	}
	c.ScheduledClients++

	due := types.Timestamp(0)
	if h.Args.ClientRate > 0 {
		if c.NextClientDue < now {
			c.NextClientDue = now
		}
		due = c.NextClientDue
		interval := time.Duration(60.0 / h.Args.ClientRate * float64(time.Second))
		c.NextClientDue = c.NextClientDue.Add(interval)
	}
	if err := saveCounters(r, c); err != nil {
		return err
	}

	marker, err := types.NewDocument(flow.ClientMarkerTypeName, flow.ClientMarker{
		ClientID: req.ClientID,
		Time:     now,
	})
	if err != nil {
		return err
	}
	return r.CallState(ctx, []types.Document{marker}, stateRunClient, flow.WithStartTime(due))
}

// runClient starts the hunted flow on one admitted client, capped at
// the per-client limits and whatever remains of the hunt totals.
// Paused hunts still run clients admitted before the pause; only
// terminal hunts drop them.
func runClient(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	h, err := tick(ctx, r)
	if err != nil {
		return err
	}
	if h.State.Terminal() {
		clientsDropped.WithLabelValues("terminal").Inc()
		return nil
	}
	docs := responses.Documents()
	if len(docs) == 0 {
		return fmt.Errorf("RunClient without a client marker")
	}
	var marker flow.ClientMarker
	if err := docs[0].DecodeAs(flow.ClientMarkerTypeName, &marker); err != nil {
		return err
	}

	used := r.Context()
	cpuCap := h.Args.PerClientCPULimit
	if h.Args.CPULimit > 0 {
		if used.CPUUsed >= h.Args.CPULimit {
			return stopHunt(ctx, r, h, "CPU limit exceeded.")
		}
		if remaining := h.Args.CPULimit - used.CPUUsed; cpuCap == 0 || remaining < cpuCap {
			cpuCap = remaining
		}
	}
	netCap := h.Args.PerClientNetworkBytesLimit
	if h.Args.NetworkBytesLimit > 0 {
		if used.NetworkBytesUsed >= h.Args.NetworkBytesLimit {
			return stopHunt(ctx, r, h, "Network bytes limit exceeded.")
		}
		if remaining := h.Args.NetworkBytesLimit - used.NetworkBytesUsed; netCap == 0 || remaining < netCap {
			netCap = remaining
		}
	}

	if _, err := r.CallFlow(ctx, h.Args.FlowName, h.Args.FlowArgs, stateMarkDone,
		flow.WithClient(marker.ClientID), flow.WithLimits(cpuCap, netCap)); err != nil {
		return err
	}
	c, err := loadCounters(r)
	if err != nil {
		return err
	}
	c.StartedClients++
	if err := saveCounters(r, c); err != nil {
		return err
	}
	clientsStarted.Inc()
	return nil
}

// markDone books one finished child: progress counters, the completed
// membership row, an error record on failure, and the average-limit
// checks once enough clients finished.
func markDone(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	h, err := tick(ctx, r)
	if err != nil {
		return err
	}
	req := responses.Request()
	if req == nil || req.ClientID == "" {
		return fmt.Errorf("MarkDone without a client request")
	}
	now := r.Store().Now()

	c, err := loadCounters(r)
	if err != nil {
		return err
	}
	c.CompletedClients++
	c.Results += int64(responses.Len())
	if responses.Len() > 0 {
		c.ClientsWithResults++
	}

	if status := responses.Status(); status != nil && status.Code != types.StatusOK {
		c.Errors++
		doc, err := types.NewDocument(ErrorRecordTypeName, ErrorRecord{
			ClientID:  req.ClientID,
			SessionID: req.ChildSessionID,
			Message:   status.ErrorMessage,
			Backtrace: status.Backtrace,
			Time:      now,
		})
		if err != nil {
			return err
		}
		if err := collection.New(r.Store(), ErrorsSubject(h.ID)).Add(ctx, doc); err != nil {
			return fmt.Errorf("failed to record hunt error: %w", err)
		}
		clientErrors.Inc()
	}
	if err := saveCounters(r, c); err != nil {
		return err
	}
	if _, err := addMember(ctx, r.Store(), CompletedClientsSubject(h.ID), req.ClientID, now); err != nil {
		return err
	}
	clientsCompleted.Inc()

	if h.State == StateStarted && c.CompletedClients >= MinClientsForAverages {
		if reason, exceeded := averagesExceeded(h, c, r.Context().CPUUsed, r.Context().NetworkBytesUsed); exceeded {
			return stopHunt(ctx, r, h, reason)
		}
	}
	return nil
}

// averagesExceeded checks the per-client average limits against the
// hunt's accumulated usage. Callers gate on MinClientsForAverages.
func averagesExceeded(h *Hunt, c Counters, cpuUsed float64, networkUsed uint64) (string, bool) {
	done := float64(c.CompletedClients)
	if done == 0 {
		return "", false
	}
	if limit := h.Args.AvgResultsPerClientLimit; limit > 0 {
		if avg := float64(c.Results) / done; avg > float64(limit) {
			return fmt.Sprintf("average results per client %.1f over limit %d", avg, limit), true
		}
	}
	if limit := h.Args.AvgCPUSecondsPerClientLimit; limit > 0 {
		if avg := cpuUsed / done; avg > limit {
			return fmt.Sprintf("average CPU seconds per client %.1f over limit %.1f", avg, limit), true
		}
	}
	if limit := h.Args.AvgNetworkBytesPerClientLimit; limit > 0 {
		if avg := float64(networkUsed) / done; avg > float64(limit) {
			return fmt.Sprintf("average network bytes per client %.0f over limit %d", avg, limit), true
		}
	}
	return "", false
}
