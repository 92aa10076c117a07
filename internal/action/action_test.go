package action

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		err  bool
	}{
		{"RULE_CREATE", RuleCreate, false},
		{"rule-edit", RuleEdit, false},
		{" elder_add ", ElderAdd, false},
		{"settings-change", SettingsChange, false},
		{"launch", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("Parse(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(ElderPayload{Target: "ed25519:aa"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := Decode[ElderPayload](raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Target != "ed25519:aa" {
		t.Fatalf("Target = %q", p.Target)
	}

	raw, _ = Encode(nil)
	if string(raw) != "{}" {
		t.Fatalf("nil payload = %s", raw)
	}
	passthrough, _ := Encode(json.RawMessage(`{"key":"x"}`))
	if string(passthrough) != `{"key":"x"}` {
		t.Fatalf("raw payload = %s", passthrough)
	}
	if _, err := Decode[SettingPayload](nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
