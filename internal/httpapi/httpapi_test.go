package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/store/memory"
)

const scope = "clan-1"

func newTestServer(t *testing.T) (*httptest.Server, *governance.Core) {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	core, err := governance.New(governance.Config{DefaultQuorum: 2}, governance.Options{Backend: be})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(core, nil))
	t.Cleanup(srv.Close)
	return srv, core
}

func get(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestReadOnlyViews(t *testing.T) {
	srv, core := newTestServer(t)
	ctx := context.Background()

	if _, err := core.InitCouncil(ctx, scope, "founder"); err != nil {
		t.Fatal(err)
	}
	out, err := core.CreateRule(ctx, scope, "founder", governance.RuleInput{TemplateID: "no-links"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.Join(ctx, scope, "carol"); err != nil {
		t.Fatal(err)
	}

	var reg council.Registry
	if code := get(t, srv, "/v1/scopes/"+scope+"/council", &reg); code != http.StatusOK || reg.Founder != "founder" {
		t.Fatalf("council = %d %+v", code, reg)
	}

	var list struct {
		Rules []*rules.Rule `json:"rules"`
	}
	if code := get(t, srv, "/v1/scopes/"+scope+"/rules", &list); code != http.StatusOK || len(list.Rules) != 1 {
		t.Fatalf("rules = %d %+v", code, list)
	}

	var rule rules.Rule
	if code := get(t, srv, "/v1/scopes/"+scope+"/rules/"+out.Rule.ID, &rule); code != http.StatusOK || rule.ID != out.Rule.ID {
		t.Fatalf("rule = %d %+v", code, rule)
	}

	var members struct {
		Members []map[string]any `json:"members"`
	}
	if code := get(t, srv, "/v1/scopes/"+scope+"/members", &members); code != http.StatusOK || len(members.Members) != 1 {
		t.Fatalf("members = %d %+v", code, members)
	}

	var events struct {
		Events []*audit.Event `json:"events"`
	}
	if code := get(t, srv, "/v1/scopes/"+scope+"/audit?limit=2", &events); code != http.StatusOK || len(events.Events) != 2 {
		t.Fatalf("audit = %d, %d events", code, len(events.Events))
	}
	if events.Events[0].Kind != audit.KindCouncilInit {
		t.Fatalf("first event = %s", events.Events[0].Kind)
	}

	var rep audit.Report
	if code := get(t, srv, "/v1/scopes/"+scope+"/audit/verify", &rep); code != http.StatusOK || !rep.Valid {
		t.Fatalf("verify = %d %+v", code, rep)
	}

	body := `{"action":"send_message","context":{"actor":"carol","content":"see https://example.com"}}`
	resp, err := http.Post(srv.URL+"/v1/scopes/"+scope+"/check", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var d enforce.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || d.Allowed {
		t.Fatalf("check = %d %+v", resp.StatusCode, d)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/v1/templates", http.StatusOK},
		{"/v1/scopes/" + scope + "/council", http.StatusNotFound},
		{"/v1/scopes/" + scope + "/rules/nope", http.StatusNotFound},
		{"/v1/scopes/" + scope + "/requests?status=bogus", http.StatusBadRequest},
		{"/v1/scopes/" + scope + "/requests?limit=-1", http.StatusBadRequest},
		{"/v1/scopes/" + scope + "/audit?since=yesterday", http.StatusBadRequest},
		{"/v1/scopes/" + scope + "/requests/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		var body map[string]any
		if code := get(t, srv, tt.path, &body); code != tt.want {
			t.Errorf("GET %s = %d, want %d (%v)", tt.path, code, tt.want, body)
		}
	}

	resp, err := http.Post(srv.URL+"/v1/scopes/"+scope+"/check", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed check = %d", resp.StatusCode)
	}
}
