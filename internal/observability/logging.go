package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SetupLogger configures the global slog logger. Format is "json", "text" or
// anything else for the terminal format.
func SetupLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = NewPrettyHandler(w, opts)
	}

	logger := slog.New(&TraceHandler{Handler: handler})
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TraceHandler adds trace_id and span_id from the context to every record.
type TraceHandler struct {
	slog.Handler
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// Keys that identify where a governance event happened. The terminal format
// prints them first, in this order, whatever order the caller used.
var leadKeys = []string{"scope", "actor", "device", "request"}

// Keys whose values are actor identities ("algo:hex") or request ids, which
// the terminal format abbreviates.
var (
	actorKeys   = map[string]bool{"actor": true, "device": true, "requester": true, "voter": true, "elder": true, "member": true, "founder": true}
	requestKeys = map[string]bool{"request": true}
)

// PrettyHandler writes one colored line per record for terminals. Actor
// identities are cut to their algorithm and the first hex digits, and request
// ids to the prefix the CLI accepts.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{opts: *opts, w: w, mu: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a))
		return true
	})

	var b strings.Builder
	b.WriteString(r.Time.Format(time.TimeOnly))
	b.WriteByte(' ')
	b.WriteString(colorLevel(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, key := range leadKeys {
		for _, a := range attrs {
			if a.Key == key {
				writeAttr(&b, a)
			}
		}
	}
	for _, a := range attrs {
		if !isLeadKey(a.Key) {
			writeAttr(&b, a)
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, h.qualify(a))
	}
	return &PrettyHandler{opts: h.opts, w: h.w, mu: h.mu, attrs: newAttrs, prefix: h.prefix}
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &PrettyHandler{opts: h.opts, w: h.w, mu: h.mu, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if h.prefix != "" {
		a.Key = h.prefix + a.Key
	}
	return a
}

func isLeadKey(key string) bool {
	for _, k := range leadKeys {
		if k == key {
			return true
		}
	}
	return false
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			ga.Key = a.Key + "." + ga.Key
			writeAttr(b, ga)
		}
		return
	}

	val := v.String()
	switch {
	case actorKeys[a.Key]:
		val = ShortActor(val)
	case requestKeys[a.Key]:
		val = ShortRequest(val)
	}

	b.WriteByte(' ')
	if a.Key == "error" {
		fmt.Fprintf(b, "%s%s=%s%s", colorRed, a.Key, val, colorReset)
		return
	}
	fmt.Fprintf(b, "%s=%s", a.Key, val)
}

const (
	actorHexDigits   = 12
	requestIDPrefix  = 8
	actorSeparator   = ":"
	abbreviationMark = "…"
)

// ShortActor abbreviates an "algo:hex" actor identity for display. Other
// strings are returned unchanged.
func ShortActor(actor string) string {
	algo, key, ok := strings.Cut(actor, actorSeparator)
	if !ok || len(key) <= actorHexDigits {
		return actor
	}
	return algo + actorSeparator + key[:actorHexDigits] + abbreviationMark
}

// ShortRequest returns the request id prefix that "clan requests" commands
// accept.
func ShortRequest(id string) string {
	if len(id) <= requestIDPrefix {
		return id
	}
	return id[:requestIDPrefix]
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func colorLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return colorRed + "ERR" + colorReset
	case l >= slog.LevelWarn:
		return colorYellow + "WRN" + colorReset
	case l >= slog.LevelInfo:
		return colorCyan + "INF" + colorReset
	default:
		return colorGray + "DBG" + colorReset
	}
}
