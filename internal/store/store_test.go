package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc", "abd"},
		{"s1/", "s10"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := PrefixEnd(tt.in); got != tt.want {
			t.Errorf("PrefixEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigGetters(t *testing.T) {
	cfg := map[string]string{
		"b": "yes", "bad_b": "perhaps",
		"n": "42", "bad_n": "x",
		"d": "1500ms", "secs": "3", "bad_d": "soon",
		"empty": "",
	}

	if got := GetString(cfg, "empty", "def"); got != "def" {
		t.Errorf("GetString empty = %q", got)
	}
	if b, err := GetBool(cfg, "b", false); err != nil || !b {
		t.Errorf("GetBool = %v, %v", b, err)
	}
	if _, err := GetBool(cfg, "bad_b", false); err == nil {
		t.Error("GetBool should reject perhaps")
	}
	if n, err := GetInt(cfg, "n", 0); err != nil || n != 42 {
		t.Errorf("GetInt = %d, %v", n, err)
	}
	if n, err := GetInt(cfg, "missing", 7); err != nil || n != 7 {
		t.Errorf("GetInt default = %d, %v", n, err)
	}
	if _, err := GetInt(cfg, "bad_n", 0); err == nil {
		t.Error("GetInt should reject x")
	}
	if d, err := GetDuration(cfg, "d", 0); err != nil || d != 1500*time.Millisecond {
		t.Errorf("GetDuration = %v, %v", d, err)
	}
	if d, err := GetDuration(cfg, "secs", 0); err != nil || d != 3*time.Second {
		t.Errorf("GetDuration secs = %v, %v", d, err)
	}
	if _, err := GetDuration(cfg, "bad_d", 0); err == nil {
		t.Error("GetDuration should reject soon")
	}
}

func TestInvalidAttachesBackend(t *testing.T) {
	_, err := GetInt(map[string]string{"pool": "x"}, "pool", 0)
	err = Invalid("redis", err)

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *ConfigError", err)
	}
	if ce.Backend != "redis" || ce.Field != "pool" {
		t.Fatalf("ConfigError = %+v", ce)
	}
	if !strings.Contains(err.Error(), `pool="x"`) {
		t.Fatalf("message %q should quote the value", err.Error())
	}
}

func TestMergeConfig(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	out := MergeConfig(base, map[string]string{"b": "3"})
	if out["a"] != "1" || out["b"] != "3" {
		t.Fatalf("MergeConfig = %v", out)
	}
	if base["b"] != "2" {
		t.Fatal("MergeConfig mutated base")
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/tmp/x/../y"); got != "/tmp/y" {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("~/data"); strings.HasPrefix(got, "~") {
		t.Errorf("ExpandPath did not expand home: %q", got)
	}
}

func TestLockerSerializesPerKey(t *testing.T) {
	var l Locker
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("req-1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if len(l.locks) != 0 {
		t.Fatalf("locks not released: %d left", len(l.locks))
	}
}

func TestLockerIndependentKeys(t *testing.T) {
	var l Locker
	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by lock on a")
	}
	unlockA()
}

type fakeBackend struct {
	Backend
	config map[string]string
}

func TestRegistryOpen(t *testing.T) {
	name := "fake-" + t.Name()
	Register(name, func(_ context.Context, config map[string]string) (Backend, error) {
		return &fakeBackend{config: config}, nil
	}, func() map[string]string {
		return map[string]string{"addr": "default", "db": "0"}
	})

	be, err := Open(context.Background(), name, map[string]string{"db": "2"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fb := be.(*fakeBackend)
	if fb.config["addr"] != "default" || fb.config["db"] != "2" {
		t.Fatalf("config = %v", fb.config)
	}
	if Defaults(name)["addr"] != "default" {
		t.Fatal("Defaults lookup failed")
	}

	found := false
	for _, n := range Backends() {
		found = found || n == name
	}
	if !found {
		t.Fatalf("%s missing from Backends()", name)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register should panic")
		}
	}()
	Register(name, nil, nil)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "nope", nil, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}
