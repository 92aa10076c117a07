package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/archive"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/session"
	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/trust"
)

var codeTable = []struct {
	code codes.Code
	errs []error
}{
	{codes.NotFound, []error{
		store.ErrNotFound, approval.ErrNotFound, rules.ErrNotFound, council.ErrNotFound,
		roster.ErrNotMember, audit.ErrEmptyLog,
	}},
	{codes.AlreadyExists, []error{
		approval.ErrAlreadyApproved, approval.ErrAlreadyRejected, rules.ErrAlreadyApproved,
		council.ErrAlreadyElder, roster.ErrAlreadyMember,
	}},
	{codes.PermissionDenied, []error{
		council.ErrNotElder, council.ErrFounderProtected, governance.ErrFounderOnly,
		approval.ErrNotEligible, approval.ErrNotRequester, roster.ErrProtected,
		session.ErrTrustBlocked,
	}},
	{codes.Unauthenticated, []error{
		session.ErrNoSession, session.ErrSessionInvalid, session.ErrStepUpRequired,
		session.ErrTampered, session.ErrWrongPIN, session.ErrNoPIN,
	}},
	{codes.FailedPrecondition, []error{
		approval.ErrNotPending, approval.ErrNotApproved, rules.ErrDeleted,
		governance.ErrNoDeviceKey, governance.ErrNoArchive, roster.ErrNoChange,
		archive.ErrDiverged, council.ErrNoProposer, trust.ErrNoDevice,
	}},
	{codes.InvalidArgument, []error{
		governance.ErrInvalidInput, rules.ErrEmptyText, rules.ErrUnknownTemplate,
		roster.ErrInvalidRole, roster.ErrInvalidKey, approval.ErrInvalidRequest,
		council.ErrInvalidIdentity, audit.ErrInvalidScope, enforce.ErrInvalidExpression,
		session.ErrPINTooShort, audit.ErrBadAttestation,
	}},
	{codes.Unavailable, []error{store.ErrClosed}},
}

// Code maps a governance error to its gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	for _, row := range codeTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return codes.Internal
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}
