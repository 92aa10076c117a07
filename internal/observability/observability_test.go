package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
)

func TestShutdownCoordinatorStages(t *testing.T) {
	var order []string
	sc := &ShutdownCoordinator{}
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	sc.Register(StageTelemetry, "tracer", record("tracer"))
	sc.Register(StageStorage, "node", record("node"))
	sc.Register(StageIngress, "metrics-server", record("metrics-server"))
	sc.Register(StageMaintenance, "maintain", record("maintain"))
	sc.Register(StageIngress, "grpc-server", record("grpc-server"))
	sc.Register(StageIngress, "http-api", record("http-api"))

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"http-api", "grpc-server", "metrics-server", "maintain", "node", "tracer"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", order, want)
	}

	if err := sc.Shutdown(context.Background()); err != nil || len(order) != len(want) {
		t.Fatalf("second shutdown ran handlers again: %v %v", order, err)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownCoordinatorError(t *testing.T) {
	ran := 0
	sc := &ShutdownCoordinator{}
	sc.RegisterCloser(StageStorage, "node", closerFunc(func() error { ran++; return nil }))
	sc.Register(StageIngress, "grpc-server", func(ctx context.Context) error { ran++; return errors.New("fail") })

	err := sc.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ingress grpc-server") {
		t.Fatalf("expected error naming ingress grpc-server, got %v", err)
	}
	if ran != 2 {
		t.Fatalf("expected both handlers to run, ran %d", ran)
	}
}

func TestNewMetricsRegistersGovernanceMeters(t *testing.T) {
	m := NewMetrics()
	m.AuditAppends.WithLabelValues("approval_requested").Inc()
	m.Votes.WithLabelValues("approve").Inc()
	m.TrustScore.WithLabelValues("dev").Set(75)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"clan_audit_appends_total", "clan_votes_total", "clan_trust_score"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
	if got := testutil.ToFloat64(m.TrustScore.WithLabelValues("dev")); got != 75 {
		t.Fatalf("trust score gauge = %v, want 75", got)
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)
	logger.Info("hello", "key", "val")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["key"] != "val" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		logAt slog.Level
		show  bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)
			logger.Log(context.Background(), tt.logAt, "test")
			if got := buf.Len() > 0; got != tt.show {
				t.Fatalf("visible = %v, want %v", got, tt.show)
			}
		})
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.With("scope", "clan-1").Info("vote cast", "vote", "approve")

	out := buf.String()
	for _, want := range []string{"vote cast", "scope=clan-1", "vote=approve"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestPrettyHandlerLeadsWithGovernanceKeys(t *testing.T) {
	const (
		actor   = "ed25519:9ef03dbf0c1d2e3f405162738495a6b7c8d9eaf0b1c2d3e4f5061728394a5b6c"
		request = "3f2c9a1e-7b44-4e0a-9d1f-2a6b8c0d4e5f"
	)
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.Info("execution after approval failed", "action", "add_rule", "request", request, "actor", actor, "scope", "clan-1")

	out := strings.TrimSpace(buf.String())
	want := "execution after approval failed scope=clan-1 actor=ed25519:9ef03dbf0c1d… request=3f2c9a1e action=add_rule"
	if !strings.HasSuffix(out, want) {
		t.Fatalf("got %q, want suffix %q", out, want)
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.With("scope", "clan-1").WithGroup("vote").Info("tallied", "approvals", 2, slog.Group("quorum", "need", 3))

	out := buf.String()
	for _, want := range []string{"scope=clan-1", "vote.approvals=2", "vote.quorum.need=3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestShortIdentifiers(t *testing.T) {
	tests := []struct {
		fn   func(string) string
		in   string
		want string
	}{
		{ShortActor, "ed25519:0123456789abcdef", "ed25519:0123456789ab…"},
		{ShortActor, "ed25519:abc", "ed25519:abc"},
		{ShortActor, "alice", "alice"},
		{ShortRequest, "3f2c9a1e-7b44", "3f2c9a1e"},
		{ShortRequest, "3f2c", "3f2c"},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("short(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTracerResourceLabelsNode(t *testing.T) {
	res, err := tracerResource(TracerConfig{
		ServiceName:    "clan",
		ServiceVersion: "dev",
		Device:         "ed25519:abcd",
		StoreBackend:   "badger",
		ArchiveBackend: "s3",
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:       "clan",
		semconv.ServiceInstanceIDKey: "ed25519:abcd",
		AttrDevice:                   "ed25519:abcd",
		AttrStoreBackend:             "badger",
		AttrArchiveBackend:           "s3",
	} {
		v, ok := set.Value(key)
		if !ok || v.AsString() != want {
			t.Errorf("%s = %v (present %v), want %s", key, v.AsString(), ok, want)
		}
	}

	bare, err := tracerResource(TracerConfig{ServiceName: "clan"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if _, ok := bare.Set().Value(AttrDevice); ok {
		t.Fatal("device attribute set without a device")
	}
}

func TestInitTracerRejectsUnknownProtocol(t *testing.T) {
	if _, _, err := InitTracer(context.Background(), TracerConfig{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestStartOperationRecordsStatus(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "approval.approve")
	op.End(nil)
	op, _ = StartOperation(context.Background(), m, "approval.approve")
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("approval.approve", "ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("approval.approve", "error")); got != 1 {
		t.Fatalf("error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("approval.approve", "error")); got != 1 {
		t.Fatalf("errors_total = %v, want 1", got)
	}
}

func TestStartOperationNilMetrics(t *testing.T) {
	op, _ := StartOperation(context.Background(), nil, "noop")
	op.End(errors.New("still fine"))
}

type customErr struct{}

func (customErr) Error() string { return "custom" }

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("plain"), "error"},
		{fmt.Errorf("wrap: %w", customErr{}), "customErr"},
		{fmt.Errorf("wrap: %w", &customErr{}), "customErr"},
	}
	for _, tt := range tests {
		if got := ErrorType(tt.err); got != tt.want {
			t.Errorf("ErrorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "info", LogFormat: "json", ServiceName: "test"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := NewMetrics()
	interceptor := UnaryServerInterceptor(m)

	ok := &grpc.UnaryServerInfo{FullMethod: "/clan.v1.Governance/Approve"}
	if _, err := interceptor(context.Background(), nil, ok, func(ctx context.Context, req any) (any, error) {
		return "done", nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fail := &grpc.UnaryServerInfo{FullMethod: "/clan.v1.Governance/Reject"}
	if _, err := interceptor(context.Background(), nil, fail, func(ctx context.Context, req any) (any, error) {
		return nil, grpcstatus.Error(grpccodes.FailedPrecondition, "not pending")
	}); err == nil {
		t.Fatal("expected error")
	}

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues(ok.FullMethod, "OK")); got != 1 {
		t.Fatalf("OK count = %v", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues(fail.FullMethod, "FailedPrecondition")); got != 1 {
		t.Fatalf("FailedPrecondition count = %v", got)
	}
}

func TestExtractTraceContext(t *testing.T) {
	ctx := context.Background()
	if got := extractTraceContext(ctx); got != ctx {
		t.Fatal("expected same context without metadata")
	}
	md := metadata.New(map[string]string{"traceparent": "00-00000000000000000000000000000001-0000000000000001-01"})
	if got := extractTraceContext(metadata.NewIncomingContext(ctx, md)); got == nil {
		t.Fatal("expected non-nil context")
	}
}
