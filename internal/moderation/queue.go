package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
	"tourportal.io/internal/keylock"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/notify"
	"tourportal.io/internal/obs"
)

// Notifier receives moderation events for the notification arena.
type Notifier interface {
	Publish(n notify.Notification) (notify.Notification, error)
}

// Queue runs the moderation workflow and applies approved requests to the
// ledger. Transitions on one request are serialized.
type Queue struct {
	store    Store
	ledger   ledger.Service
	notifier Notifier
	newID    ids.Generator
	now      func() time.Time
	log      *zap.Logger

	locks keylock.Map
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(fn func() time.Time) Option {
	return func(q *Queue) {
		if fn != nil {
			q.now = fn
		}
	}
}

func WithIDGenerator(gen ids.Generator) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// WithNotifier publishes a ticket for moderators on submit and an alert for
// the requester's organization on resolution.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

func NewQueue(store Store, l ledger.Service, opts ...Option) (*Queue, error) {
	if l == nil {
		return nil, errors.New("moderation: ledger is required")
	}
	if store == nil {
		store = NewInMemory()
	}
	q := &Queue{
		store:  store,
		ledger: l,
		newID:  ids.Prefixed("mod"),
		now:    func() time.Time { return time.Now().UTC() },
		log:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Submit files a pending request. Roles that may not request ledger changes
// on the account are denied.
func (q *Queue) Submit(ctx context.Context, p auth.Principal, in SubmitInput) (Request, error) {
	// Role-level check first so read-only roles learn nothing about accounts.
	pre := auth.Permits(p.Role, auth.ActionLedgerRequest)
	if !pre.Allowed {
		obs.ObserveAuthz(string(auth.ActionLedgerRequest), pre.Outcome())
		return Request{}, pre.Err(auth.ActionLedgerRequest)
	}
	in, err := NormalizeSubmitInput(in)
	if err != nil {
		return Request{}, err
	}
	acc, err := q.ledger.Account(ctx, in.AccountID)
	if err != nil {
		return Request{}, err
	}
	if err := authorize(p.Role, auth.ActionLedgerRequest, acc.OrganizationID); err != nil {
		return Request{}, err
	}
	delta := in.Delta
	if in.RevokesTransactionID != "" {
		tx, err := q.ledger.Transaction(ctx, in.RevokesTransactionID)
		if err != nil {
			return Request{}, err
		}
		if tx.AccountID != acc.ID {
			return Request{}, fmt.Errorf("%w: transaction belongs to another account", ErrInvalidInput)
		}
		delta = -tx.Delta
	}

	now := q.now()
	r := Request{
		ID:                   q.newID(),
		AccountID:            acc.ID,
		OrganizationID:       acc.OrganizationID,
		Delta:                delta,
		Reason:               in.Reason,
		RevokesTransactionID: in.RevokesTransactionID,
		RequesterID:          p.Identity.ID,
		RequesterRoleID:      p.Role.ID,
		RequesterRole:        string(p.Role.Type),
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := q.store.Create(ctx, r); err != nil {
		return Request{}, err
	}
	obs.ObserveModeration(string(StatusPending))
	_ = audit.LogEvent(ctx, "moderation.submitted", map[string]any{
		"request_id": r.ID, "account_id": r.AccountID, "delta": r.Delta,
	})
	q.publish(notify.Notification{
		Kind:           notify.KindEscalation,
		Category:       auth.CategoryLoyalty,
		OrganizationID: r.OrganizationID,
		Title:          fmt.Sprintf("Points change of %+d awaits review", r.Delta),
		Body:           r.Reason,
		Priority:       1,
	})
	return r, nil
}

// AdvanceToReview moves a pending request under review.
func (q *Queue) AdvanceToReview(ctx context.Context, moderator auth.Principal, id string) (Request, error) {
	unlock := q.lock(id)
	defer unlock()

	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if err := authorize(moderator.Role, auth.ActionModerationApprove, r.OrganizationID); err != nil {
		return Request{}, err
	}
	next, err := advance(r, moderator.Identity.ID, q.now())
	if err != nil {
		return Request{}, err
	}
	if err := q.store.Update(ctx, next); err != nil {
		return Request{}, err
	}
	obs.ObserveModeration(string(StatusUnderReview))
	_ = audit.LogEvent(ctx, "moderation.under_review", map[string]any{"request_id": id})
	return next, nil
}

// Resolve approves or rejects a request that is pending or under review.
// Approval applies the delta to the ledger first; when the ledger refuses
// the request stays open and the ledger error is returned.
func (q *Queue) Resolve(ctx context.Context, moderator auth.Principal, id string, d Decision, note string) (Request, error) {
	d, err := ParseDecision(string(d))
	if err != nil {
		return Request{}, err
	}
	unlock := q.lock(id)
	defer unlock()

	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if err := authorize(moderator.Role, auth.ActionModerationApprove, r.OrganizationID); err != nil {
		return Request{}, err
	}
	if r.Status.Terminal() {
		return Request{}, ErrAlreadyResolved
	}

	var txID string
	if d == DecisionApprove {
		tx, err := q.apply(ctx, r)
		if err != nil {
			q.log.Info("moderation_apply_refused", zap.String("request_id", id), zap.Error(err))
			return Request{}, err
		}
		txID = tx.ID
	}
	next, err := resolve(r, moderator.Identity.ID, d, note, txID, q.now())
	if err != nil {
		return Request{}, err
	}
	if err := q.store.Update(ctx, next); err != nil {
		return Request{}, err
	}
	obs.ObserveModeration(string(next.Status))
	_ = audit.LogEvent(ctx, "moderation.resolved", map[string]any{
		"request_id": id, "status": string(next.Status), "transaction_id": txID,
	})
	q.publish(notify.Notification{
		Kind:       notify.KindTicket,
		Category:   auth.CategoryLoyalty,
		AssigneeID: r.RequesterID,
		Title:      fmt.Sprintf("Points change of %+d %s", r.Delta, next.Status),
		Body:       next.ReviewNote,
	})
	return next, nil
}

// apply writes the request to the ledger. The idempotency key makes a retry
// after a failed store update reuse the first transaction.
func (q *Queue) apply(ctx context.Context, r Request) (ledger.Transaction, error) {
	entry := ledger.Entry{
		Actor:          r.RequesterID,
		Source:         "moderation:" + r.ID,
		Note:           r.Reason,
		IdempotencyKey: "moderation:" + r.ID,
	}
	switch {
	case r.RevokesTransactionID != "":
		return q.ledger.Counter(ctx, r.AccountID, r.RevokesTransactionID, entry)
	case r.Delta > 0:
		return q.ledger.Credit(ctx, r.AccountID, r.Delta, entry)
	default:
		return q.ledger.Debit(ctx, r.AccountID, -r.Delta, entry)
	}
}

// Get returns a request p may see.
func (q *Queue) Get(ctx context.Context, p auth.Principal, id string) (Request, error) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !auth.CanSee(p.Role, r) {
		return Request{}, ErrNotFound
	}
	return r, nil
}

// List returns the requests matching f that p may see.
func (q *Queue) List(ctx context.Context, p auth.Principal, f Filter) ([]Request, error) {
	reqs, err := q.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return auth.FilterVisible(p.Role, reqs), nil
}

// AdjustInput is a ledger change requested through Route.
type AdjustInput struct {
	AccountID            string
	Delta                int64
	Reason               string
	RevokesTransactionID string
	IdempotencyKey       string
}

// RouteResult holds either the direct ledger transaction or the filed request.
type RouteResult struct {
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Request     *Request            `json:"request,omitempty"`
}

// Route is the single write path for ledger changes: roles allowed to write
// the account change it directly, every other role files a request.
func (q *Queue) Route(ctx context.Context, p auth.Principal, in AdjustInput) (RouteResult, error) {
	acc, err := q.ledger.Account(ctx, strings.TrimSpace(in.AccountID))
	if err != nil {
		return RouteResult{}, err
	}
	decision := auth.Authorize(p.Role, auth.ActionLedgerWrite, acc.AuthResource())
	obs.ObserveAuthz(string(auth.ActionLedgerWrite), decision.Outcome())
	if !decision.Allowed {
		r, err := q.Submit(ctx, p, SubmitInput{
			AccountID:            acc.ID,
			Delta:                in.Delta,
			Reason:               in.Reason,
			RevokesTransactionID: in.RevokesTransactionID,
		})
		if err != nil {
			return RouteResult{}, err
		}
		return RouteResult{Request: &r}, nil
	}

	entry := ledger.Entry{
		Actor:          p.Identity.ID,
		Source:         "direct",
		Note:           strings.TrimSpace(in.Reason),
		IdempotencyKey: in.IdempotencyKey,
	}
	var tx ledger.Transaction
	switch {
	case strings.TrimSpace(in.RevokesTransactionID) != "":
		tx, err = q.ledger.Counter(ctx, acc.ID, strings.TrimSpace(in.RevokesTransactionID), entry)
	case in.Delta > 0:
		tx, err = q.ledger.Credit(ctx, acc.ID, in.Delta, entry)
	case in.Delta < 0:
		tx, err = q.ledger.Debit(ctx, acc.ID, -in.Delta, entry)
	default:
		err = ledger.ErrInvalidAmount
	}
	if err != nil {
		return RouteResult{}, err
	}
	_ = audit.LogEvent(ctx, "ledger.direct_write", map[string]any{
		"account_id": acc.ID, "transaction_id": tx.ID, "delta": tx.Delta,
	})
	return RouteResult{Transaction: &tx}, nil
}

func (q *Queue) publish(n notify.Notification) {
	if q.notifier == nil {
		return
	}
	if _, err := q.notifier.Publish(n); err != nil {
		q.log.Warn("moderation_notify_failed", zap.Error(err))
	}
}

func (q *Queue) lock(id string) func() {
	return q.locks.Lock(id)
}

func authorize(role auth.Role, action auth.Action, organizationID string) error {
	d := auth.Authorize(role, action, ledger.Account{OrganizationID: organizationID}.AuthResource())
	obs.ObserveAuthz(string(action), d.Outcome())
	return d.Err(action)
}
