// Package moderation gates ledger changes from roles without direct write
// access behind a review workflow: pending, under_review, then approved or
// rejected.
package moderation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ledger"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusApproved || s == StatusRejected }

// Decision is a moderator's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var (
	ErrNotFound        = errors.New("moderation: not found")
	ErrInvalidInput    = errors.New("moderation: invalid input")
	ErrInvalidDecision = errors.New("moderation: decision is invalid")
	ErrAlreadyResolved = errors.New("moderation: request already resolved")
)

// Request asks for a ledger change on behalf of a role that cannot write
// directly. A request with RevokesTransactionID asks for a counter entry.
type Request struct {
	ID                   string     `json:"id"`
	AccountID            string     `json:"account_id"`
	OrganizationID       string     `json:"organization_id"`
	Delta                int64      `json:"delta"`
	Reason               string     `json:"reason"`
	RevokesTransactionID string     `json:"revokes_transaction_id,omitempty"`
	RequesterID          string     `json:"requester_id"`
	RequesterRoleID      string     `json:"requester_role_id"`
	RequesterRole        string     `json:"requester_role"`
	Status               Status     `json:"status"`
	ReviewerID           string     `json:"reviewer_id,omitempty"`
	ReviewNote           string     `json:"review_note,omitempty"`
	TransactionID        string     `json:"transaction_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}

// AuthResource classifies the request as a loyalty ledger item owned by the
// account's organization.
func (r Request) AuthResource() auth.Resource {
	return auth.Resource{Kind: auth.KindLedger, Category: auth.CategoryLoyalty, OwnerID: r.OrganizationID}
}

// SubmitInput contains requester-provided fields.
type SubmitInput struct {
	AccountID            string
	Delta                int64
	Reason               string
	RevokesTransactionID string
}

// NormalizeSubmitInput canonicalizes and validates submit input. Revocation
// requests carry no delta of their own.
func NormalizeSubmitInput(in SubmitInput) (SubmitInput, error) {
	in.AccountID = strings.TrimSpace(in.AccountID)
	if in.AccountID == "" {
		return SubmitInput{}, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Reason == "" {
		return SubmitInput{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	in.RevokesTransactionID = strings.TrimSpace(in.RevokesTransactionID)
	if in.RevokesTransactionID == "" && in.Delta == 0 {
		return SubmitInput{}, ledger.ErrInvalidAmount
	}
	return in, nil
}

// ParseDecision normalizes a decision string.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApprove, DecisionReject:
		return d, nil
	case "approved":
		return DecisionApprove, nil
	case "rejected":
		return DecisionReject, nil
	}
	return "", ErrInvalidDecision
}

// advance moves a pending request under review.
func advance(r Request, reviewerID string, now time.Time) (Request, error) {
	if r.Status != StatusPending {
		return Request{}, ErrAlreadyResolved
	}
	r.Status = StatusUnderReview
	r.ReviewerID = reviewerID
	r.UpdatedAt = now
	return r, nil
}

// resolve applies a decision to a request that is pending or under review.
func resolve(r Request, reviewerID string, d Decision, note, txID string, now time.Time) (Request, error) {
	if r.Status.Terminal() {
		return Request{}, ErrAlreadyResolved
	}
	r.ReviewerID = reviewerID
	r.ReviewNote = strings.TrimSpace(note)
	r.UpdatedAt = now
	r.ResolvedAt = &now
	if d == DecisionApprove {
		r.Status = StatusApproved
		r.TransactionID = txID
	} else {
		r.Status = StatusRejected
	}
	return r, nil
}
