// Package audit implements the per-scope, hash-chained audit log.
//
// Every security-relevant governance step appends one Event. Each event's
// hash commits to its kind, timestamp, actor and the previous event's hash,
// so editing or removing a persisted event breaks the chain at the
// following event.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind names an audited event.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalGiven     Kind = "approval_given"
	KindApprovalRejected  Kind = "approval_rejected_vote"
	KindApprovalCancelled Kind = "approval_cancelled"
	KindApprovalExecuted  Kind = "approval_executed"
	KindExecutionFailed   Kind = "execution_failed"
	KindApprovalExpired   Kind = "approval_expired"

	KindCouncilInit    Kind = "council_init"
	KindElderAdded     Kind = "elder_added"
	KindElderRemoved   Kind = "elder_removed"
	KindQuorumChanged  Kind = "quorum_changed"
	KindRuleCreated    Kind = "rule_created"
	KindRuleEdited     Kind = "rule_edited"
	KindRuleApproved   Kind = "rule_approved"
	KindRuleToggled    Kind = "rule_toggled"
	KindRuleDeleted    Kind = "rule_deleted"
	KindRuleViolation  Kind = "rule_violation"
	KindMemberJoined   Kind = "member_joined"
	KindMemberPromoted Kind = "member_promoted"
	KindMemberDemoted  Kind = "member_demoted"
	KindMemberRemoved  Kind = "member_removed"
	KindSettingChanged Kind = "setting_changed"
	KindCustomAction   Kind = "custom_action"

	KindSessionStarted     Kind = "session_started"
	KindSessionTampered    Kind = "session_tampered"
	KindSessionStepUp      Kind = "session_step_up_required"
	KindSessionInvalidated Kind = "session_invalidated"
	KindSessionPanic       Kind = "session_panic"
	KindPINSet             Kind = "pin_set"
	KindPINFailed          Kind = "pin_failed"
	KindTrustReduced       Kind = "trust_reduced"

	KindAuditExported Kind = "audit_exported"
)

// Event is one link of a scope's chain.
type Event struct {
	ID        string         `json:"id"`
	Scope     string         `json:"scope"`
	Kind      Kind           `json:"kind"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
	Details   map[string]any `json:"details,omitempty"`
}

// ComputeHash returns hex(SHA-256(kind "|" ts "|" actor "|" prevHash)) with
// ts formatted as RFC 3339 with nanoseconds in UTC. Details and the event
// id are not covered.
func ComputeHash(kind Kind, ts time.Time, actor, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(string(kind)))
	h.Write([]byte{'|'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(actor))
	h.Write([]byte{'|'})
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the hash the event's own fields imply.
func (e *Event) Recompute() string {
	return ComputeHash(e.Kind, e.Timestamp, e.Actor, e.PrevHash)
}

// storeKey orders events chronologically within a scope: the timestamp is
// fixed-width hex nanoseconds, so lexical order is time order.
func storeKey(scope string, ts time.Time, id string) string {
	return fmt.Sprintf("%s/%016x/%s", scope, uint64(ts.UnixNano()), id)
}

func (e *Event) key() string {
	return storeKey(e.Scope, e.Timestamp, e.ID)
}

// ValidateScope rejects scopes that would break key ordering.
func ValidateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("%w: empty scope", ErrInvalidScope)
	}
	if strings.ContainsAny(scope, "/\x00") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidScope, scope)
	}
	return nil
}
