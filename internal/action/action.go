// Package action names the collective actions that go through the approval
// workflow and defines the payload each one carries.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the kind of action an approval request will execute.
type Type string

const (
	RuleCreate     Type = "RULE_CREATE"
	RuleEdit       Type = "RULE_EDIT"
	RuleDelete     Type = "RULE_DELETE"
	ElderAdd       Type = "ELDER_ADD"
	ElderRemove    Type = "ELDER_REMOVE"
	MemberPromote  Type = "MEMBER_PROMOTE"
	MemberDemote   Type = "MEMBER_DEMOTE"
	MemberRemove   Type = "MEMBER_REMOVE"
	SettingsChange Type = "SETTINGS_CHANGE"
	Custom         Type = "CUSTOM"
)

// All lists every action type in a stable order.
func All() []Type {
	return []Type{
		RuleCreate, RuleEdit, RuleDelete,
		ElderAdd, ElderRemove,
		MemberPromote, MemberDemote, MemberRemove,
		SettingsChange, Custom,
	}
}

// Parse accepts a type name in any case, with '-' or '_' separators.
func Parse(s string) (Type, error) {
	norm := Type(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, t := range All() {
		if t == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// Rule payloads.
type (
	RuleCreatePayload struct {
		Text       string `json:"text"`
		Category   string `json:"category,omitempty"`
		TemplateID string `json:"templateId,omitempty"`
	}
	RuleEditPayload struct {
		RuleID string `json:"ruleId"`
		Text   string `json:"text"`
	}
	RuleDeletePayload struct {
		RuleID string `json:"ruleId"`
	}
)

// ElderPayload targets one council seat.
type ElderPayload struct {
	Target string `json:"target"`
}

// MemberPayload targets one roster entry. Role is only read on promote.
type MemberPayload struct {
	Target string `json:"target"`
	Role   string `json:"role,omitempty"`
}

// SettingPayload sets one group setting.
type SettingPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CustomPayload carries an application-defined action through the
// workflow; executing it only records that it happened.
type CustomPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Encode marshals a payload for storage on a request.
func Encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Decode unmarshals a stored payload into a T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
