package acl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/types"
)

// Approval storage layout. One subject per (target, requester, reason):
//
//	ACL/<target>/<requester>/<reason hash>
//	  approval:request            the Approval document
//	  approval:approver:<user>    one per grant, timestamped
//	  approval:breakglass         emergency expiry, when used
const (
	aclSubjectPrefix        = "ACL/"
	requestPredicate        = "approval:request"
	approverPredicatePrefix = "approval:approver:"
	breakGlassPredicate     = "approval:breakglass"
)

// Approval is the stored request for access. Approver grants are kept
// as separate timestamped predicates so concurrent grants never clobber
// each other; this document holds the fixed half.
type Approval struct {
	// Target subject the approval guards, e.g. clients/C.1234.
	Target string `json:"target"`

	// Requester is the user asking for access.
	Requester string `json:"requester"`

	// Reason for access, also encoded in the subject path.
	Reason string `json:"reason"`

	// Expires bounds the approval's validity.
	Expires types.Timestamp `json:"expires"`

	// Created is when the approval was requested.
	Created types.Timestamp `json:"created"`

	// NotifiedUsers were asked to approve.
	NotifiedUsers []string `json:"notified_users,omitempty"`

	// EmailCCAddresses receive a copy of approval traffic.
	EmailCCAddresses []string `json:"email_cc_addresses,omitempty"`

	// Approvers who granted, filled at read time from the grant
	// predicates. The requester is never included.
	Approvers []string `json:"-"`

	// IsEmergency marks a break-glass approval, filled at read time.
	IsEmergency bool `json:"-"`
}

// ReasonHash is the path-safe digest of an access reason.
func ReasonHash(reason string) string {
	sum := sha256.Sum256([]byte(reason))
	return hex.EncodeToString(sum[:])[:16]
}

// ApprovalSubject is where the approval for (target, username, reason)
// lives.
func ApprovalSubject(target, username, reason string) string {
	return aclSubjectPrefix + target + "/" + username + "/" + ReasonHash(reason)
}

// approvalScanPrefix lists every approval of a user on a target.
func approvalScanPrefix(target, username string) string {
	return aclSubjectPrefix + target + "/" + username + "/"
}

// RequestApproval records a new approval request by token's user on
// target. Re-requesting with the same reason refreshes the expiry but
// keeps existing grants. Returns the approval subject.
func (m *Manager) RequestApproval(ctx context.Context, token *Token, target string, notifiedUsers, ccAddresses []string) (string, error) {
	now := m.ds.Now()
	if err := token.validate(now); err != nil {
		return "", err
	}
	if token.Reason == "" {
		return "", fmt.Errorf("%w: approval requests need a reason", ErrInvalidToken)
	}

	approval := Approval{
		Target:           target,
		Requester:        token.Username,
		Reason:           token.Reason,
		Created:          now,
		Expires:          now.Add(m.cfg.ApprovalLifetime),
		NotifiedUsers:    notifiedUsers,
		EmailCCAddresses: ccAddresses,
	}
	buf, err := json.Marshal(approval)
	if err != nil {
		return "", fmt.Errorf("failed to marshal approval: %w", err)
	}

	subject := ApprovalSubject(target, token.Username, token.Reason)
	if err := m.ds.Set(ctx, subject, requestPredicate, buf, 0, true); err != nil {
		return "", fmt.Errorf("failed to store approval request: %w", err)
	}

	requestsTotal.Inc()
	m.triggerDecision(ctx, hooks.ApprovalDecisionEvent{
		Username: token.Username,
		Target:   target,
		Outcome:  "requested",
		Reason:   token.Reason,
	})
	m.logger.Info("approval requested",
		"username", token.Username,
		"target", target,
		"notified", len(notifiedUsers),
	)
	return subject, nil
}

// GrantApproval adds token's user as an approver on the requester's
// approval. The requester cannot approve their own request.
func (m *Manager) GrantApproval(ctx context.Context, token *Token, target, requester, reason string) error {
	now := m.ds.Now()
	if err := token.validate(now); err != nil {
		return err
	}
	if token.Username == requester {
		return denied(token.Username, target, Write, "requester cannot approve their own request")
	}

	subject := ApprovalSubject(target, requester, reason)
	if _, err := m.ds.Resolve(ctx, subject, requestPredicate); err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return fmt.Errorf("%w: %s for %q", ErrApprovalNotFound, target, requester)
		}
		return fmt.Errorf("failed to read approval: %w", err)
	}

	pred := approverPredicatePrefix + token.Username
	if err := m.ds.Set(ctx, subject, pred, []byte(token.Username), 0, true); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}

	// The decision may have been cached as a denial upstream; the next
	// check must see the new grant.
	m.cache.invalidateUser(requester, target)

	grantsTotal.Inc()
	m.triggerDecision(ctx, hooks.ApprovalDecisionEvent{
		Username: requester,
		Approver: token.Username,
		Target:   target,
		Outcome:  "granted",
		Reason:   reason,
	})
	m.logger.Info("approval granted",
		"approver", token.Username,
		"requester", requester,
		"target", target,
	)
	return nil
}

// BreakGlass opens emergency access for token's user on target without
// waiting for approvers. The access is time-bounded by the ordinary
// approval lifetime and leaves a loud audit trail.
func (m *Manager) BreakGlass(ctx context.Context, token *Token, target string) error {
	now := m.ds.Now()
	if err := token.validate(now); err != nil {
		return err
	}
	if token.Reason == "" {
		return fmt.Errorf("%w: break-glass access needs a reason", ErrInvalidToken)
	}

	subject := ApprovalSubject(target, token.Username, token.Reason)
	approval := Approval{
		Target:    target,
		Requester: token.Username,
		Reason:    token.Reason,
		Created:   now,
		Expires:   now.Add(m.cfg.ApprovalLifetime),
	}
	buf, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	values := map[string][]datastore.VersionedValue{
		requestPredicate:    {{Value: buf}},
		breakGlassPredicate: {{Value: datastore.EncodeInt(int64(approval.Expires))}},
	}
	if err := m.ds.MultiSet(ctx, subject, values, nil, true); err != nil {
		return fmt.Errorf("failed to store break-glass approval: %w", err)
	}

	m.cache.invalidateUser(token.Username, target)

	breakGlassTotal.Inc()
	m.triggerDecision(ctx, hooks.ApprovalDecisionEvent{
		Username: token.Username,
		Target:   target,
		Outcome:  "breakglass",
		Reason:   token.Reason,
	})
	m.logger.Warn("break-glass access opened",
		"username", token.Username,
		"target", target,
		"reason", token.Reason,
	)
	return nil
}

// FindValidApproval scans the user's approvals on target and returns
// the first one that currently admits them. The error from the last
// candidate is surfaced when none does.
func (m *Manager) FindValidApproval(ctx context.Context, username, target string) (*Approval, error) {
	subjects, err := m.ds.ScanSubjects(ctx, approvalScanPrefix(target, username), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan approvals: %w", err)
	}
	if len(subjects) == 0 {
		return nil, denied(username, target, "", "no approval found")
	}

	var lastErr error
	for _, subject := range subjects {
		approval, err := m.readApproval(ctx, subject)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.validateApproval(ctx, approval); err != nil {
			lastErr = err
			continue
		}
		return approval, nil
	}
	return nil, lastErr
}

// readApproval loads an approval subject with its grants.
func (m *Manager) readApproval(ctx context.Context, subject string) (*Approval, error) {
	rec, err := m.ds.Resolve(ctx, subject, requestPredicate)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval %s: %w", subject, err)
	}
	var approval Approval
	if err := json.Unmarshal(rec.Value, &approval); err != nil {
		return nil, fmt.Errorf("failed to decode approval %s: %w", subject, err)
	}

	grants, err := m.ds.ResolvePrefix(ctx, subject, approverPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	now := m.ds.Now()
	for _, g := range grants {
		approver := g.Predicate[len(approverPredicatePrefix):]
		if approver == approval.Requester {
			continue
		}
		if g.TS.Add(m.cfg.ApprovalLifetime) <= now {
			continue
		}
		approval.Approvers = append(approval.Approvers, approver)
	}
	sort.Strings(approval.Approvers)

	if bg, err := m.ds.Resolve(ctx, subject, breakGlassPredicate); err == nil {
		if until, err := datastore.DecodeInt(bg.Value); err == nil && types.Timestamp(until) > now {
			approval.IsEmergency = true
		}
	}
	return &approval, nil
}

// validateApproval decides whether the approval currently admits its
// requester.
func (m *Manager) validateApproval(ctx context.Context, approval *Approval) error {
	now := m.ds.Now()
	if now >= approval.Expires {
		return denied(approval.Requester, approval.Target, "", "approval expired")
	}

	// Emergency access skips the approver quorum.
	if approval.IsEmergency {
		return nil
	}

	if len(approval.Approvers) < m.cfg.ApproversRequired {
		return denied(approval.Requester, approval.Target, "",
			"requires %d approvers, has %d", m.cfg.ApproversRequired, len(approval.Approvers))
	}

	return m.CheckApproversForLabels(ctx, approval)
}

// CheckApproversForLabels applies the label authorization table: for
// every policy whose label the target client carries, enough of the
// approval's approvers must be authorized for that label.
func (m *Manager) CheckApproversForLabels(ctx context.Context, approval *Approval) error {
	if len(m.cfg.LabelPolicies) == 0 {
		return nil
	}

	clientID, err := types.ParseClientID(trimSubjectPrefix(approval.Target, "clients/"))
	if err != nil {
		// Label policies only guard clients.
		return nil
	}

	labels, err := m.clientLabels(ctx, clientID)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}

	approvers := make(map[string]bool, len(approval.Approvers))
	for _, a := range approval.Approvers {
		approvers[a] = true
	}

	for _, policy := range m.cfg.LabelPolicies {
		if !labels[policy.Label] {
			continue
		}
		needed := policy.NumApproversRequired
		if needed <= 0 {
			needed = 1
		}
		authorized := 0
		for _, user := range policy.Users {
			if user == approval.Requester {
				// The requester never counts toward the quorum.
				continue
			}
			if approvers[user] {
				authorized++
			}
		}
		if authorized < needed {
			return denied(approval.Requester, approval.Target, "",
				"label %q requires %d authorized approvers, has %d", policy.Label, needed, authorized)
		}
		if policy.RequesterMustBeAuthorized && !contains(policy.Users, approval.Requester) {
			return denied(approval.Requester, approval.Target, "",
				"label %q requires an authorized requester", policy.Label)
		}
	}
	return nil
}

// clientLabels reads the label set on a client subject.
func (m *Manager) clientLabels(ctx context.Context, clientID types.ClientID) (map[string]bool, error) {
	recs, err := m.ds.ResolvePrefix(ctx, clientID.Subject(), types.ClientLabelPrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read client labels: %w", err)
	}
	labels := make(map[string]bool, len(recs))
	for _, rec := range recs {
		labels[rec.Predicate[len(types.ClientLabelPrefix):]] = true
	}
	return labels, nil
}

// ListApprovals returns every approval requested by username, newest
// request first. Used by the CLI.
func (m *Manager) ListApprovals(ctx context.Context, username string) ([]*Approval, error) {
	subjects, err := m.ds.ScanSubjects(ctx, aclSubjectPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan approvals: %w", err)
	}
	var out []*Approval
	for _, subject := range subjects {
		approval, err := m.readApproval(ctx, subject)
		if err != nil {
			continue
		}
		if approval.Requester != username {
			continue
		}
		out = append(out, approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	return out, nil
}

// ExpiredApprovalSubjects lists approval subjects whose expiry has
// passed, for the maintenance sweep.
func (m *Manager) ExpiredApprovalSubjects(ctx context.Context) ([]string, error) {
	subjects, err := m.ds.ScanSubjects(ctx, aclSubjectPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan approvals: %w", err)
	}
	now := m.ds.Now()
	var expired []string
	for _, subject := range subjects {
		rec, err := m.ds.Resolve(ctx, subject, requestPredicate)
		if err != nil {
			continue
		}
		var approval Approval
		if err := json.Unmarshal(rec.Value, &approval); err != nil {
			continue
		}
		if now >= approval.Expires {
			expired = append(expired, subject)
		}
	}
	return expired, nil
}

func (m *Manager) triggerDecision(ctx context.Context, ev hooks.ApprovalDecisionEvent) {
	if err := m.hooks.TriggerApprovalDecision(ctx, ev); err != nil {
		m.logger.Warn("approval decision hook failed", "error", err)
	}
}

func trimSubjectPrefix(subject, prefix string) string {
	if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
		return subject[len(prefix):]
	}
	return subject
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
