package server

import (
	"encoding/json"
	"time"

	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
)

// Wire types of the governance service. Every mutating call acts as the
// authenticated caller; none of them carries an actor field.

type ScopeRequest struct {
	Scope string `json:"scope"`
}

type ElderRequest struct {
	Scope           string `json:"scope"`
	Target          string `json:"target"`
	RequireApproval bool   `json:"requireApproval,omitempty"`
}

type QuorumRequest struct {
	Scope  string `json:"scope"`
	Quorum int    `json:"quorum"`
}

type CreateRuleRequest struct {
	Scope string               `json:"scope"`
	Rule  governance.RuleInput `json:"rule"`
}

type RuleRequest struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

type EditRuleRequest struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

type SetRuleEnabledRequest struct {
	Scope   string `json:"scope"`
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type ListRulesRequest struct {
	Scope          string `json:"scope"`
	IncludeDeleted bool   `json:"includeDeleted,omitempty"`
	EnabledOnly    bool   `json:"enabledOnly,omitempty"`
}

type RulesResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

type HistoryResponse struct {
	Revisions []rules.Revision `json:"revisions"`
}

type CheckRequest struct {
	Scope   string          `json:"scope"`
	Action  enforce.Action  `json:"action"`
	Context enforce.Context `json:"context"`
}

type ListRequestsRequest struct {
	Scope  string `json:"scope"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type RequestsResponse struct {
	Requests []*approval.Request `json:"requests"`
}

// RequestRef names a request by id or unique id prefix within a scope.
type RequestRef struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

type ProposeRequest struct {
	Scope   string          `json:"scope"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MemberRequest struct {
	Scope  string `json:"scope"`
	Target string `json:"target"`
	Role   string `json:"role,omitempty"`
}

type MembersResponse struct {
	Members []*roster.Member `json:"members"`
}

type SettingRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SettingsResponse struct {
	Settings map[string]string `json:"settings"`
}

type ListAuditRequest struct {
	Scope string    `json:"scope"`
	Since time.Time `json:"since,omitzero"`
	Limit int       `json:"limit,omitempty"`
}

type AuditResponse struct {
	Events []*audit.Event `json:"events"`
}

type VerifyAuditRequest struct {
	Scope  string `json:"scope"`
	Window int    `json:"window,omitempty"`
}

type ExportAuditRequest struct {
	Scope   string `json:"scope"`
	Archive bool   `json:"archive,omitempty"`
}

type Empty struct{}
