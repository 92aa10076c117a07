package tui

import (
	"strings"
	"testing"
)

func TestLayoutBodySize(t *testing.T) {
	w, h := Layout{Width: 80, Height: 24}.BodySize()
	if w != 76 || h != 18 {
		t.Fatalf("BodySize = %d,%d, want 76,18", w, h)
	}
	w, h = Layout{}.BodySize()
	if w != 10 || h != 3 {
		t.Fatalf("BodySize on zero size = %d,%d, want 10,3", w, h)
	}
}

func TestLayoutRender(t *testing.T) {
	l := Layout{AppName: "board", Scope: "clan-1", Actor: "ed25519:9ef03dbf", Width: 80, Height: 20}
	out := l.Render("hello", "q: quit")
	for _, want := range []string{"clan", "board", "clan-1 as ed25519:9ef03dbf", "hello", "q: quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("frame missing %q:\n%s", want, out)
		}
	}
}

func TestStatusStyle(t *testing.T) {
	for _, s := range []string{"pending", "approved", "rejected", "expired", "executed", "other"} {
		if got := StatusStyle(s).Render(s); !strings.Contains(got, s) {
			t.Errorf("StatusStyle(%q) dropped the text: %q", s, got)
		}
	}
}
