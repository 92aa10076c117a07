// Package approval runs the create, vote and execute lifecycle of actions
// that need collective sign-off from a group's elders.
//
// A request is approved once its approvals reach the quorum captured at
// creation and rejected once its rejections reach the reject threshold.
// Approval and execution are separate steps: a failing executor leaves the
// request approved and unexecuted so a later Execute or Sweep can retry.
package approval

import (
	"encoding/json"
	"time"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/set"
)

// Status is where a request is in its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// ParseStatus accepts a status name or "" for any.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case "", StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return st, true
	}
	return "", false
}

// Request is one proposal awaiting or past its vote.
type Request struct {
	ID         string          `json:"id"`
	Scope      string          `json:"scope"`
	Action     action.Type     `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	Requester  string          `json:"requester"`
	Approvals  set.Ordered     `json:"approvals"`
	Rejections set.Ordered     `json:"rejections"`
	Quorum     int             `json:"quorum"`
	Status     Status          `json:"status"`
	Executed   bool            `json:"executed"`
	ExecutedAt time.Time       `json:"executedAt,omitzero"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Terminal reports whether the request can no longer change.
func (r *Request) Terminal() bool {
	switch r.Status {
	case StatusRejected, StatusExpired:
		return true
	case StatusApproved:
		return r.Executed
	}
	return false
}

func (r *Request) details(extra map[string]any) map[string]any {
	d := map[string]any{
		"requestId":  r.ID,
		"action":     string(r.Action),
		"status":     string(r.Status),
		"approvals":  r.Approvals.Items(),
		"rejections": r.Rejections.Items(),
		"quorum":     r.Quorum,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}
