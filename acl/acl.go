// Package acl enforces who may touch what. Every privileged server
// operation carries a Token; the Manager validates it against stored
// approvals before the operation proceeds.
//
// Approvals live in the datastore under ACL/<target>/<username>/<hash>,
// where target is the subject being guarded (clients/C.xxx, hunts/H:xxx)
// and hash identifies the access reason. An approval admits the user
// once enough distinct approvers have granted it and it has not
// expired. The requester never counts as their own approver.
package acl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for access control logging.
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

// Sentinel errors.
var (
	// ErrUnauthorized is wrapped by every access denial.
	ErrUnauthorized = errors.New("unauthorized access")

	// ErrExpiredToken is returned when the token's expiry has passed.
	ErrExpiredToken = errors.New("token expired")

	// ErrInvalidToken is returned when the token has no username.
	ErrInvalidToken = errors.New("invalid token")

	// ErrApprovalNotFound is returned when no approval exists at all for
	// the (target, user) pair.
	ErrApprovalNotFound = errors.New("no approval found")
)

// UnauthorizedError carries the context of a denial. It unwraps to
// ErrUnauthorized so callers can match all denials with errors.Is.
type UnauthorizedError struct {
	Username string
	Target   string
	Mode     AccessMode
	Reason   string
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("access denied for %q on %q: %s", e.Username, e.Target, e.Reason)
	}
	return fmt.Sprintf("access denied for %q: %s", e.Username, e.Reason)
}

// Unwrap returns ErrUnauthorized.
func (e *UnauthorizedError) Unwrap() error {
	return ErrUnauthorized
}

func denied(username, target string, mode AccessMode, format string, args ...any) error {
	return &UnauthorizedError{
		Username: username,
		Target:   target,
		Mode:     mode,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// AccessMode names what an operation wants to do with a subject.
type AccessMode string

const (
	// Read access: inspecting stored state.
	Read AccessMode = "r"

	// Write access: mutating stored state, including starting flows.
	Write AccessMode = "w"

	// Query access: scanning or enumerating under a subject.
	Query AccessMode = "q"
)

// Token is the in-memory capability every privileged call carries.
// Tokens are never persisted.
type Token struct {
	// Username of the acting user.
	Username string

	// Reason for the access, echoed into approvals and audit entries.
	Reason string

	// SourceIPs of the request, for audit.
	SourceIPs []string

	// Expiry bounds the token's lifetime. Zero means no bound.
	Expiry types.Timestamp

	// Supervisor tokens bypass approval checks. Only system-originated
	// work (worker, foreman, hunt scheduling) sets this.
	Supervisor bool
}

// SupervisorToken returns a system token acting as username. Used by
// the worker and foreman for flows they start on the system's behalf.
func SupervisorToken(username string) *Token {
	return &Token{Username: username, Reason: "system operation", Supervisor: true}
}

// validate rejects tokens without a user or past their expiry.
func (t *Token) validate(now types.Timestamp) error {
	if t == nil || t.Username == "" {
		return ErrInvalidToken
	}
	if !t.Expiry.IsZero() && now >= t.Expiry {
		return fmt.Errorf("%w for %q", ErrExpiredToken, t.Username)
	}
	return nil
}

// LabelPolicy is one row of the client-label authorization table. When
// a guarded client carries Label, the approval's approver set must
// include at least NumApproversRequired members of Users.
type LabelPolicy struct {
	// Label this policy guards.
	Label string `yaml:"label" json:"label"`

	// Users allowed to approve access to clients with the label.
	Users []string `yaml:"users" json:"users"`

	// NumApproversRequired from Users. Defaults to 1.
	NumApproversRequired int `yaml:"num_approvers_required" json:"num_approvers_required"`

	// RequesterMustBeAuthorized additionally requires the requester
	// themself to be in Users.
	RequesterMustBeAuthorized bool `yaml:"requester_must_be_authorized" json:"requester_must_be_authorized"`
}

// Config tunes the access manager.
type Config struct {
	// ApproversRequired is how many distinct approvers an approval
	// needs, the requester excluded. Defaults to 2.
	ApproversRequired int

	// ApprovalLifetime is how long a granted approval stays valid.
	// Defaults to 28 days.
	ApprovalLifetime time.Duration

	// CacheTTL bounds how long a positive access decision is served
	// from memory. Defaults to 60 seconds. Expiry of the underlying
	// approval is still honored on every hit.
	CacheTTL time.Duration

	// AdminLabel names the user label that grants datastore access to
	// administrative subjects. Defaults to "admin".
	AdminLabel string

	// LabelPolicies restrict who may approve access to clients carrying
	// specific labels.
	LabelPolicies []LabelPolicy

	// Logger for denial and grant logging. Defaults to no logging.
	Logger Logger
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ApproversRequired <= 0 {
		out.ApproversRequired = DefaultApproversRequired
	}
	if out.ApprovalLifetime <= 0 {
		out.ApprovalLifetime = DefaultApprovalLifetime
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	if out.AdminLabel == "" {
		out.AdminLabel = DefaultAdminLabel
	}
	if out.Logger == nil {
		out.Logger = noopLogger{}
	}
	return &out
}

// Defaults for Config.
const (
	DefaultApproversRequired = 2
	DefaultApprovalLifetime  = 28 * 24 * time.Hour
	DefaultCacheTTL          = 60 * time.Second
	DefaultAdminLabel        = "admin"
)

// Manager answers access questions against the datastore.
type Manager struct {
	ds     datastore.DataStore
	cfg    *Config
	hooks  *hooks.Registry
	logger Logger
	cache  *decisionCache
}

// NewManager creates an access manager. A nil config uses defaults; a
// nil hook registry disables audit events.
func NewManager(ds datastore.DataStore, hookReg *hooks.Registry, cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	if hookReg == nil {
		hookReg = hooks.NewRegistry()
	}
	return &Manager{
		ds:     ds,
		cfg:    cfg,
		hooks:  hookReg,
		logger: cfg.Logger,
		cache:  newDecisionCache(cfg.CacheTTL),
	}
}

// CheckClientAccess allows the operation on a client. Reads need only a
// valid token; writes and queue access need an approval on the client's
// subject.
func (m *Manager) CheckClientAccess(ctx context.Context, token *Token, clientID types.ClientID, mode AccessMode) error {
	if err := token.validate(m.ds.Now()); err != nil {
		return err
	}
	if token.Supervisor || mode == Read {
		return nil
	}
	return m.checkApproved(ctx, token, clientID.Subject(), mode)
}

// CheckHuntAccess allows hunt control operations. All modes need an
// approval on the hunt's subject.
func (m *Manager) CheckHuntAccess(ctx context.Context, token *Token, huntID types.SessionID, mode AccessMode) error {
	if err := token.validate(m.ds.Now()); err != nil {
		return err
	}
	if token.Supervisor {
		return nil
	}
	return m.checkApproved(ctx, token, huntID.Subject(), mode)
}

// CheckCronJobAccess allows cron job control operations.
func (m *Manager) CheckCronJobAccess(ctx context.Context, token *Token, cronName string, mode AccessMode) error {
	if err := token.validate(m.ds.Now()); err != nil {
		return err
	}
	if token.Supervisor {
		return nil
	}
	return m.checkApproved(ctx, token, "cron/"+cronName, mode)
}

// CheckIfCanStartFlow allows starting the named flow. Flows without a
// category are internal machinery and only supervisors may start them
// directly. Flows aimed at a client additionally require client write
// access, which the flow starter checks separately.
func (m *Manager) CheckIfCanStartFlow(ctx context.Context, token *Token, flowName, category string) error {
	if err := token.validate(m.ds.Now()); err != nil {
		return err
	}
	if token.Supervisor {
		return nil
	}
	if category == "" {
		m.auditDenied(ctx, token, flowName, Write, "flow has no category")
		return denied(token.Username, flowName, Write,
			"flow %q has no category and requires a supervisor token", flowName)
	}
	return nil
}

// CheckDataStoreAccess applies the raw-subject allowlist: users may
// read and query their own users/<name> tree; holders of the admin
// label may additionally read administrative subjects (foreman, audit
// log, queues). Writes always require a supervisor token.
func (m *Manager) CheckDataStoreAccess(ctx context.Context, token *Token, subjects []string, mode AccessMode) error {
	if err := token.validate(m.ds.Now()); err != nil {
		return err
	}
	if token.Supervisor {
		return nil
	}
	if mode == Write {
		return denied(token.Username, "", mode, "raw datastore writes require a supervisor token")
	}

	var isAdmin *bool
	for _, subject := range subjects {
		if subjectAllowedForUser(subject, token.Username) {
			continue
		}
		if isAdmin == nil {
			admin := m.CheckUserLabels(ctx, token.Username, []string{m.cfg.AdminLabel}) == nil
			isAdmin = &admin
		}
		if *isAdmin && subjectAllowedForAdmin(subject) {
			continue
		}
		m.auditDenied(ctx, token, subject, mode, "subject not in allowlist")
		return denied(token.Username, subject, mode, "subject is not readable by this user")
	}
	return nil
}

// subjectAllowedForUser is the per-user slice of the allowlist.
func subjectAllowedForUser(subject, username string) bool {
	own := "users/" + username
	return subject == own || len(subject) > len(own) && subject[:len(own)+1] == own+"/"
}

// subjectAllowedForAdmin is the admin slice of the allowlist.
func subjectAllowedForAdmin(subject string) bool {
	if subject == types.ForemanSubject || subject == hooks.AuditLogSubject {
		return true
	}
	for _, prefix := range []string{"queues/", "instances/", "users/"} {
		if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// CheckUserLabels verifies the user holds every required label.
func (m *Manager) CheckUserLabels(ctx context.Context, username string, required []string) error {
	if len(required) == 0 {
		return nil
	}
	held, err := m.UserLabels(ctx, username)
	if err != nil {
		return err
	}
	for _, want := range required {
		if !held[want] {
			return denied(username, "users/"+username, Read, "missing label %q", want)
		}
	}
	return nil
}

// UserLabels returns the set of labels on users/<name>.
func (m *Manager) UserLabels(ctx context.Context, username string) (map[string]bool, error) {
	recs, err := m.ds.ResolvePrefix(ctx, "users/"+username, userLabelPredicatePrefix, datastore.Newest())
	if err != nil {
		return nil, fmt.Errorf("failed to read user labels: %w", err)
	}
	labels := make(map[string]bool, len(recs))
	for _, rec := range recs {
		labels[rec.Predicate[len(userLabelPredicatePrefix):]] = true
	}
	return labels, nil
}

// AddUserLabels attaches labels to a user. Used by deployment tooling
// and tests; there is no self-service path.
func (m *Manager) AddUserLabels(ctx context.Context, username string, labels ...string) error {
	values := make(map[string][]datastore.VersionedValue, len(labels))
	for _, label := range labels {
		values[userLabelPredicatePrefix+label] = []datastore.VersionedValue{{Value: []byte(label)}}
	}
	if err := m.ds.MultiSet(ctx, "users/"+username, values, nil, true); err != nil {
		return fmt.Errorf("failed to add user labels: %w", err)
	}
	return nil
}

const userLabelPredicatePrefix = "labels:"

// checkApproved is the shared approval path behind the Check* methods.
// Decisions are cached per (user, target, mode); the cache re-validates
// approval expiry on every hit so a stale positive can never outlive
// its approval.
func (m *Manager) checkApproved(ctx context.Context, token *Token, target string, mode AccessMode) error {
	now := m.ds.Now()

	if expires, ok := m.cache.get(token.Username, target, mode, now); ok {
		if expires > now {
			checksTotal.WithLabelValues("cache_hit").Inc()
			return nil
		}
		m.cache.invalidate(token.Username, target, mode)
	}

	approval, err := m.FindValidApproval(ctx, token.Username, target)
	if err != nil {
		checksTotal.WithLabelValues("denied").Inc()
		m.auditDenied(ctx, token, target, mode, err.Error())
		m.logger.Info("access denied",
			"username", token.Username,
			"target", target,
			"mode", string(mode),
			"error", err,
		)
		return err
	}

	m.cache.put(token.Username, target, mode, approval.Expires, now)
	checksTotal.WithLabelValues("granted").Inc()
	return nil
}

func (m *Manager) auditDenied(ctx context.Context, token *Token, target string, mode AccessMode, reason string) {
	ev := hooks.ApprovalDecisionEvent{
		Username: token.Username,
		Target:   target,
		Mode:     string(mode),
		Outcome:  "denied",
		Reason:   reason,
	}
	if err := m.hooks.TriggerApprovalDecision(ctx, ev); err != nil {
		m.logger.Warn("approval decision hook failed", "error", err)
	}
}
