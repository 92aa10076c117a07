package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
)

const (
	requestsBucket = "requests"
	indexBucket    = "requests_by_scope"

	DefaultQuorum          = 2
	DefaultRejectThreshold = 2
)

var (
	ErrNotFound        = errors.New("request not found")
	ErrNotPending      = errors.New("request is not pending")
	ErrNotApproved     = errors.New("request is not approved")
	ErrAlreadyApproved = errors.New("already approved")
	ErrAlreadyRejected = errors.New("already rejected")
	ErrNotEligible     = errors.New("only elders may vote")
	ErrNotRequester    = errors.New("only the requester may cancel")
	ErrNoHandler       = errors.New("no handler for action")
	ErrExecution       = errors.New("execution failed")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Handler performs the mutation an approved request stands for.
type Handler interface {
	Execute(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Execute(ctx context.Context, req *Request) error { return f(ctx, req) }

// Electorate decides who may vote in a scope.
type Electorate interface {
	IsElder(ctx context.Context, scope, id string) (bool, error)
}

// Workflow stores requests and drives their lifecycle.
type Workflow struct {
	backend         store.Backend
	log             *audit.Log
	electorate      Electorate
	metrics         *observability.Metrics
	handlers        map[action.Type]Handler
	locks           store.Locker
	now             func() time.Time
	rejectThreshold int
	ttl             time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithMetrics counts votes and executions.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithRejectThreshold sets how many rejections reject a request.
func WithRejectThreshold(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.rejectThreshold = n
		}
	}
}

// WithTTL expires pending requests older than ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(w *Workflow) { w.ttl = max(ttl, 0) }
}

// New creates a workflow.
func New(backend store.Backend, log *audit.Log, electorate Electorate, opts ...Option) *Workflow {
	w := &Workflow{
		backend:         backend,
		log:             log,
		electorate:      electorate,
		handlers:        make(map[action.Type]Handler),
		now:             time.Now,
		rejectThreshold: DefaultRejectThreshold,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Register installs the handler for an action type. It must be called
// before the workflow is used concurrently.
func (w *Workflow) Register(t action.Type, h Handler) {
	w.handlers[t] = h
}

// RejectThreshold returns the configured reject threshold.
func (w *Workflow) RejectThreshold() int { return w.rejectThreshold }

// CreateRequest opens a pending request. A quorum below one uses
// DefaultQuorum.
func (w *Workflow) CreateRequest(ctx context.Context, scope string, act action.Type, payload any, requester string, quorum int) (*Request, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	if requester == "" {
		return nil, fmt.Errorf("%w: requester cannot be empty", ErrInvalidRequest)
	}
	if _, err := action.Parse(string(act)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	raw, err := action.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if quorum < 1 {
		quorum = DefaultQuorum
	}

	now := w.now().UTC()
	req := &Request{
		ID:        uuid.NewString(),
		Scope:     scope,
		Action:    act,
		Payload:   raw,
		Requester: requester,
		Quorum:    quorum,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.save(ctx, req); err != nil {
		return nil, err
	}
	if err := w.backend.Put(ctx, indexBucket, indexKey(req), []byte(req.ID)); err != nil {
		return nil, fmt.Errorf("index request: %w", err)
	}
	w.log.Record(ctx, scope, audit.KindApprovalRequested, requester, req.details(nil))
	return req, nil
}

// Approve records approver's approval. A prior rejection by the same
// identity is withdrawn. Reaching the quorum approves the request and
// executes it at once; an execution failure is recorded on the request and
// does not undo the approval.
func (w *Workflow) Approve(ctx context.Context, id, approver string) (*Request, error) {
	unlock := w.locks.Lock(id)
	defer unlock()

	req, err := w.votable(ctx, id, approver)
	if err != nil {
		return nil, err
	}
	if req.Approvals.Has(approver) {
		return nil, ErrAlreadyApproved
	}

	req.Rejections.Remove(approver)
	req.Approvals.Add(approver)
	transitioned := req.Approvals.Len() >= req.Quorum
	if transitioned {
		req.Status = StatusApproved
	}
	req.UpdatedAt = w.now().UTC()
	if err := w.save(ctx, req); err != nil {
		return nil, err
	}
	w.countVote("approve")
	w.log.Record(ctx, req.Scope, audit.KindApprovalGiven, approver, req.details(map[string]any{"approved": transitioned}))

	if transitioned {
		// The approval stands whatever the executor does.
		if _, err := w.executeLocked(ctx, req); err != nil {
			slog.WarnContext(ctx, "execution after approval failed", "request", id, "action", req.Action, "error", err)
		}
	}
	return req, nil
}

// Reject records rejector's rejection, withdrawing a prior approval.
func (w *Workflow) Reject(ctx context.Context, id, rejector string) (*Request, error) {
	unlock := w.locks.Lock(id)
	defer unlock()

	req, err := w.votable(ctx, id, rejector)
	if err != nil {
		return nil, err
	}
	if req.Rejections.Has(rejector) {
		return nil, ErrAlreadyRejected
	}

	req.Approvals.Remove(rejector)
	req.Rejections.Add(rejector)
	rejected := req.Rejections.Len() >= w.rejectThreshold
	if rejected {
		req.Status = StatusRejected
	}
	req.UpdatedAt = w.now().UTC()
	if err := w.save(ctx, req); err != nil {
		return nil, err
	}
	w.countVote("reject")
	w.log.Record(ctx, req.Scope, audit.KindApprovalRejected, rejector, req.details(map[string]any{"rejected": rejected}))
	return req, nil
}

// votable loads a request and checks that voter may vote on it now.
// Callers hold the request lock.
func (w *Workflow) votable(ctx context.Context, id, voter string) (*Request, error) {
	req, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending && w.expired(req) {
		w.expire(ctx, req)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%s is %s: %w", id, req.Status, ErrNotPending)
	}
	ok, err := w.electorate.IsElder(ctx, req.Scope, voter)
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", voter, ErrNotEligible)
	}
	return req, nil
}

// Cancel withdraws a pending request. Only its requester may cancel it and
// the record is removed; the audit log keeps the cancellation.
func (w *Workflow) Cancel(ctx context.Context, id, requester string) error {
	unlock := w.locks.Lock(id)
	defer unlock()

	req, err := w.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Requester != requester {
		return ErrNotRequester
	}
	if req.Status == StatusPending && w.expired(req) {
		w.expire(ctx, req)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%s is %s: %w", id, req.Status, ErrNotPending)
	}
	if err := w.backend.Delete(ctx, requestsBucket, req.ID); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if err := w.backend.Delete(ctx, indexBucket, indexKey(req)); err != nil {
		slog.WarnContext(ctx, "request index cleanup failed", "request", id, "error", err)
	}
	w.log.Record(ctx, req.Scope, audit.KindApprovalCancelled, requester, req.details(nil))
	return nil
}

// Execute runs the handler of an approved request. It is idempotent: an
// executed request is returned unchanged.
func (w *Workflow) Execute(ctx context.Context, id string) (*Request, error) {
	unlock := w.locks.Lock(id)
	defer unlock()

	req, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.executeLocked(ctx, req)
}

// executeLocked checks and sets the executed flag. Callers hold the
// request lock, so a request never runs twice.
func (w *Workflow) executeLocked(ctx context.Context, req *Request) (*Request, error) {
	if req.Executed {
		return req, nil
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("%s is %s: %w", req.ID, req.Status, ErrNotApproved)
	}

	req.Attempts++
	herr := w.runHandler(ctx, req)
	now := w.now().UTC()
	req.UpdatedAt = now

	if herr != nil {
		req.LastError = herr.Error()
		if err := w.save(ctx, req); err != nil {
			slog.WarnContext(ctx, "persist failed execution", "request", req.ID, "error", err)
		}
		w.countExecution(req.Action, "failed")
		w.log.Record(ctx, req.Scope, audit.KindExecutionFailed, req.Requester, req.details(map[string]any{
			"error":    herr.Error(),
			"attempts": req.Attempts,
		}))
		return req, fmt.Errorf("%w: %s: %v", ErrExecution, req.ID, herr)
	}

	req.Executed = true
	req.ExecutedAt = now
	req.LastError = ""
	if err := w.save(ctx, req); err != nil {
		return nil, err
	}
	w.countExecution(req.Action, "ok")
	w.log.Record(ctx, req.Scope, audit.KindApprovalExecuted, req.Requester, req.details(map[string]any{"attempts": req.Attempts}))
	return req, nil
}

func (w *Workflow) runHandler(ctx context.Context, req *Request) (err error) {
	h, ok := w.handlers[req.Action]
	if !ok {
		return fmt.Errorf("%w %s", ErrNoHandler, req.Action)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, req)
}

// Sweep executes every approved, unexecuted request of scope and returns
// those that succeeded. One failing request does not stop the rest.
func (w *Workflow) Sweep(ctx context.Context, scope string) ([]*Request, error) {
	approved, err := w.List(ctx, scope, ListOptions{Status: StatusApproved})
	if err != nil {
		return nil, err
	}

	var done []*Request
	for _, r := range approved {
		if r.Executed {
			continue
		}
		req, err := w.Execute(ctx, r.ID)
		if err != nil {
			slog.WarnContext(ctx, "sweep execution failed", "scope", scope, "request", r.ID, "action", r.Action, "error", err)
			continue
		}
		done = append(done, req)
	}
	return done, nil
}

// Expire moves pending requests older than the TTL to expired and returns
// them. With no TTL configured it does nothing.
func (w *Workflow) Expire(ctx context.Context, scope string) ([]*Request, error) {
	if w.ttl <= 0 {
		return nil, nil
	}
	pending, err := w.List(ctx, scope, ListOptions{Status: StatusPending})
	if err != nil {
		return nil, err
	}

	var out []*Request
	for _, r := range pending {
		if !w.expired(r) {
			continue
		}
		unlock := w.locks.Lock(r.ID)
		req, err := w.Get(ctx, r.ID)
		if err == nil && req.Status == StatusPending && w.expired(req) && w.expire(ctx, req) {
			out = append(out, req)
		}
		unlock()
	}
	return out, nil
}

func (w *Workflow) expired(req *Request) bool {
	return w.ttl > 0 && !w.now().Before(req.CreatedAt.Add(w.ttl))
}

// expire marks req expired. Callers hold the request lock.
func (w *Workflow) expire(ctx context.Context, req *Request) bool {
	req.Status = StatusExpired
	req.UpdatedAt = w.now().UTC()
	if err := w.save(ctx, req); err != nil {
		slog.WarnContext(ctx, "persist expiry failed", "request", req.ID, "error", err)
		return false
	}
	w.log.Record(ctx, req.Scope, audit.KindApprovalExpired, req.Requester, req.details(map[string]any{"ttl": w.ttl.String()}))
	return true
}

// Get loads a request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	var req Request
	err := store.GetJSON(ctx, w.backend, requestsBucket, id, &req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	return &req, nil
}

// ListOptions filters List.
type ListOptions struct {
	Status Status
	Limit  int
}

// List returns the requests of scope, oldest first.
func (w *Workflow) List(ctx context.Context, scope string, opts ListOptions) ([]*Request, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	items, err := w.backend.Scan(ctx, indexBucket, store.ScanOptions{Prefix: scope + "/"})
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}

	var out []*Request
	for _, it := range items {
		req, err := w.Get(ctx, string(it.Value))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Status != "" && req.Status != opts.Status {
			continue
		}
		out = append(out, req)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Resolve finds a request by id or by a unique id prefix within scope.
func (w *Workflow) Resolve(ctx context.Context, scope, idOrPrefix string) (*Request, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	if req, err := w.Get(ctx, idOrPrefix); err == nil {
		return req, nil
	}
	all, err := w.List(ctx, scope, ListOptions{})
	if err != nil {
		return nil, err
	}
	var match *Request
	for _, r := range all {
		if strings.HasPrefix(r.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("%w: ambiguous id prefix %q", ErrInvalidRequest, idOrPrefix)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	}
	return match, nil
}

func indexKey(req *Request) string {
	return fmt.Sprintf("%s/%016x/%s", req.Scope, uint64(req.CreatedAt.UnixNano()), req.ID)
}

func (w *Workflow) save(ctx context.Context, req *Request) error {
	if err := store.PutJSON(ctx, w.backend, requestsBucket, req.ID, req); err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

func (w *Workflow) countVote(vote string) {
	if w.metrics != nil {
		w.metrics.Votes.WithLabelValues(vote).Inc()
	}
}

func (w *Workflow) countExecution(act action.Type, status string) {
	if w.metrics != nil {
		w.metrics.Executions.WithLabelValues(string(act), status).Inc()
	}
}
