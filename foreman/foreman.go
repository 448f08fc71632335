// Package foreman fans hunts out across the fleet. Starting a hunt
// installs a rule over client attributes on the singleton foreman
// subject; on every client check-in the frontend asks the foreman to
// evaluate the rules that client has not seen yet, and each matching
// rule schedules the client onto its hunt.
//
// A client is evaluated against a rule at most once: the client's
// last_foreman_time attribute records the Created time of the newest
// rule it was checked against, and only younger rules are considered
// on the next check-in.
package foreman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for foreman logging.
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

// HuntScheduler schedules clients onto a running hunt. The hunt
// manager implements it; scheduling is idempotent per client, so the
// foreman can fire the same match twice without duplicating work.
type HuntScheduler interface {
	StartClients(ctx context.Context, huntID types.SessionID, clients ...types.ClientID) error
}

// Foreman evaluates the rule set against checking-in clients.
type Foreman struct {
	ds        datastore.DataStore
	queues    *queue.Manager
	scheduler HuntScheduler
	logger    Logger
	regexes   regexCache
}

// New creates a foreman. The scheduler receives matched clients; a nil
// logger disables logging.
func New(ds datastore.DataStore, queues *queue.Manager, scheduler HuntScheduler, logger Logger) *Foreman {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Foreman{
		ds:        ds,
		queues:    queues,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Rules returns the current rule set ordered by creation time.
// Unparseable rules are skipped; the expiry sweep drops them.
func (f *Foreman) Rules(ctx context.Context) ([]Rule, error) {
	recs, err := f.ds.ResolveMulti(ctx, types.ForemanSubject, []string{RulesPredicate}, datastore.AllTimestamps())
	if err != nil {
		return nil, fmt.Errorf("failed to read foreman rules: %w", err)
	}
	rules := make([]Rule, 0, len(recs))
	for _, rec := range recs {
		var rule Rule
		if err := json.Unmarshal(rec.Value, &rule); err != nil {
			f.logger.Warn("skipping unparseable foreman rule", "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Created < rules[j].Created })
	return rules, nil
}

// AppendRule validates and installs a rule. The rule is appended as a
// new version of the RULES predicate, so concurrent installs do not
// read-modify-write the set. A zero Created is filled with now.
func (f *Foreman) AppendRule(ctx context.Context, rule *Rule) error {
	if rule.Created.IsZero() {
		rule.Created = f.ds.Now()
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	buf, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal foreman rule: %w", err)
	}
	if err := f.ds.Set(ctx, types.ForemanSubject, RulesPredicate, buf, rule.Created, false); err != nil {
		return fmt.Errorf("failed to store foreman rule: %w", err)
	}
	f.logger.Info("foreman rule installed",
		"description", rule.Description,
		"created", rule.Created,
		"expires", rule.Expires,
	)
	return nil
}

// RemoveHuntRules drops every rule targeting the hunt. Pausing or
// stopping a hunt calls this so the foreman produces no new matches
// for it.
func (f *Foreman) RemoveHuntRules(ctx context.Context, huntID types.SessionID) error {
	removed := 0
	err := datastore.RetryWrapper(ctx, f.ds, types.ForemanSubject, func(tx datastore.Tx) error {
		recs, err := tx.ResolvePrefix(ctx, RulesPredicate, datastore.AllTimestamps())
		if err != nil {
			return err
		}
		var keep []datastore.Record
		removed = 0
		for _, rec := range recs {
			var rule Rule
			if err := json.Unmarshal(rec.Value, &rule); err == nil && rule.targetsHunt(huntID) {
				removed++
				continue
			}
			keep = append(keep, rec)
		}
		if removed == 0 {
			return nil
		}
		tx.DeleteAttributes(RulesPredicate)
		for _, rec := range keep {
			tx.Set(RulesPredicate, rec.Value, rec.TS, false)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove foreman rules for %s: %w", huntID, err)
	}
	if removed > 0 {
		f.logger.Info("foreman rules removed", "hunt_id", huntID.String(), "count", removed)
	}
	return nil
}

// ExpireRules drops rules past their expiry and wakes the hunts they
// targeted so each can observe its own expiry. The maintenance leader
// runs this periodically; AssignTasksToClient triggers it when it
// walks past an expired rule.
func (f *Foreman) ExpireRules(ctx context.Context) error {
	now := f.ds.Now()
	var expiredHunts []types.SessionID
	err := datastore.RetryWrapper(ctx, f.ds, types.ForemanSubject, func(tx datastore.Tx) error {
		expiredHunts = expiredHunts[:0]
		recs, err := tx.ResolvePrefix(ctx, RulesPredicate, datastore.AllTimestamps())
		if err != nil {
			return err
		}
		var keep []datastore.Record
		dropped := 0
		for _, rec := range recs {
			var rule Rule
			if err := json.Unmarshal(rec.Value, &rule); err != nil {
				dropped++
				continue
			}
			if rule.Expires > now {
				keep = append(keep, rec)
				continue
			}
			dropped++
			for _, action := range rule.Actions {
				if action.HuntID != "" {
					expiredHunts = append(expiredHunts, action.HuntID)
				}
			}
		}
		if dropped == 0 {
			return nil
		}
		tx.DeleteAttributes(RulesPredicate)
		for _, rec := range keep {
			tx.Set(RulesPredicate, rec.Value, rec.TS, false)
		}
		rulesExpiredTotal.Add(float64(dropped))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to expire foreman rules: %w", err)
	}

	notified := make(map[types.SessionID]bool, len(expiredHunts))
	for _, huntID := range expiredHunts {
		if notified[huntID] {
			continue
		}
		notified[huntID] = true
		if err := f.queues.NotifySession(ctx, huntID, 0); err != nil {
			f.logger.Warn("failed to notify expired hunt", "hunt_id", huntID.String(), "error", err)
		}
	}
	if len(expiredHunts) > 0 {
		f.logger.Info("expired foreman rules dropped", "hunts_notified", len(notified))
	}
	return nil
}

// AssignTasksToClient evaluates rules the client has not seen yet and
// schedules it onto the hunts of every matching rule. Returns the
// number of scheduling actions run.
//
// The client's last_foreman_time is advanced to the newest rule's
// Created before evaluation, so two concurrent check-ins cannot run
// the same rules twice; the loser of that race skips evaluation
// entirely.
func (f *Foreman) AssignTasksToClient(ctx context.Context, clientID types.ClientID) (int, error) {
	rules, err := f.Rules(ctx)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	lastRun := f.lastForemanTime(ctx, clientID)
	var latest types.Timestamp
	for _, rule := range rules {
		if rule.Created > latest {
			latest = rule.Created
		}
	}
	if latest <= lastRun {
		return 0, nil
	}

	if err := f.ds.Set(ctx, clientID.Subject(), lastForemanPredicate,
		datastore.EncodeInt(int64(latest)), 0, true); err != nil {
		return 0, fmt.Errorf("failed to advance last foreman time: %w", err)
	}

	checksTotal.Inc()
	now := f.ds.Now()
	sawExpired := false
	count := 0
	for i := range rules {
		rule := &rules[i]
		if rule.Expires <= now {
			sawExpired = true
			continue
		}
		if rule.Created <= lastRun {
			continue
		}
		ok, err := f.matchRule(ctx, rule, clientID)
		if err != nil {
			f.logger.Error("foreman rule evaluation failed",
				"client_id", clientID.String(),
				"rule", rule.Description,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		count += f.runActions(ctx, rule, clientID)
	}

	if sawExpired {
		if err := f.ExpireRules(ctx); err != nil {
			f.logger.Warn("failed to expire foreman rules", "error", err)
		}
	}
	return count, nil
}

// lastForemanTime reads the client's rule watermark. Missing or
// unparseable values mean the client has never been evaluated.
func (f *Foreman) lastForemanTime(ctx context.Context, clientID types.ClientID) types.Timestamp {
	rec, err := f.ds.Resolve(ctx, clientID.Subject(), lastForemanPredicate)
	if err != nil {
		if !errors.Is(err, datastore.ErrNotFound) {
			f.logger.Warn("failed to read last foreman time", "client_id", clientID.String(), "error", err)
		}
		return 0
	}
	v, err := datastore.DecodeInt(rec.Value)
	if err != nil {
		return 0
	}
	return types.Timestamp(v)
}

// matchRule evaluates one rule's clauses against the client's newest
// attribute values. Every clause must hold; a missing attribute fails
// its clause.
func (f *Foreman) matchRule(ctx context.Context, rule *Rule, clientID types.ClientID) (bool, error) {
	attrs := rule.attributes()
	if len(attrs) == 0 {
		// A rule without clauses matches the whole fleet.
		return true, nil
	}
	recs, err := f.ds.ResolveMulti(ctx, clientID.Subject(), attrs, datastore.Newest())
	if err != nil {
		return false, fmt.Errorf("failed to read client attributes: %w", err)
	}
	values := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		if _, ok := values[rec.Predicate]; !ok {
			values[rec.Predicate] = rec.Value
		}
	}

	for _, clause := range rule.Regex {
		value, ok := values[clause.Attribute]
		if !ok {
			return false, nil
		}
		re, err := f.regexes.get(clause.Regex)
		if err != nil {
			return false, nil
		}
		if !re.Match(value) {
			return false, nil
		}
	}
	for _, clause := range rule.Integer {
		value, ok := values[clause.Attribute]
		if !ok {
			return false, nil
		}
		n, err := datastore.DecodeInt(value)
		if err != nil {
			return false, nil
		}
		if !clause.Operator.holds(n, clause.Value) {
			return false, nil
		}
	}
	return true, nil
}

// runActions schedules the client onto each of the rule's hunts.
// Failures are logged and do not block the remaining actions.
func (f *Foreman) runActions(ctx context.Context, rule *Rule, clientID types.ClientID) int {
	count := 0
	for _, action := range rule.Actions {
		if action.HuntID == "" {
			continue
		}
		if f.scheduler == nil {
			f.logger.Warn("no hunt scheduler wired, dropping match",
				"hunt_id", action.HuntID.String(),
				"client_id", clientID.String(),
			)
			continue
		}
		if err := f.scheduler.StartClients(ctx, action.HuntID, clientID); err != nil {
			f.logger.Error("failed to schedule client on hunt",
				"hunt_id", action.HuntID.String(),
				"client_id", clientID.String(),
				"error", err,
			)
			continue
		}
		actionsTotal.Inc()
		count++
	}
	return count
}
