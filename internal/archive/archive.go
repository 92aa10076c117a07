// Package archive copies exported audit chains to durable sinks: an
// append-only JSONL file per scope, or objects in an S3 bucket.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/store"
)

// ErrDiverged means the archived chain is not a prefix of the export.
var ErrDiverged = errors.New("archived chain diverges from the audit log")

// Sink receives audit exports.
type Sink interface {
	// Write archives exp and returns where it went.
	Write(ctx context.Context, exp *audit.Export) (string, error)
	Name() string
	Close() error
}

// Backends lists the sink names accepted by Open.
func Backends() []string {
	return []string{"file", "s3"}
}

// Open creates the named sink.
func Open(ctx context.Context, name string, config map[string]string) (Sink, error) {
	switch name {
	case "file":
		return NewFileSink(config)
	case "s3":
		return NewS3Sink(ctx, config)
	default:
		return nil, store.NewConfigError(name, "", fmt.Sprintf("unknown archive backend %q (available: %v)", name, Backends()))
	}
}

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, records []*audit.Event) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// ReadJSONL reads records written by WriteJSONL. Blank lines are skipped;
// a malformed line is an error since archives are verified, not repaired.
func ReadJSONL(r io.Reader) ([]*audit.Event, error) {
	var out []*audit.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		ev := &audit.Event{}
		if err := json.Unmarshal(sc.Bytes(), ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
