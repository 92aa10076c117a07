package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/envelope"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/session"
)

// ServiceName is the full name of the governance service.
const ServiceName = "clan.v1.Governance"

// PublicMethods can be called without a signed envelope.
var PublicMethods = []string{
	"GetCouncil", "ListRules", "GetRule", "RuleHistory", "Check",
	"ListRequests", "GetRequest", "ListMembers", "GetSettings",
	"ListAudit", "VerifyAudit", "SessionStatus",
}

type service struct {
	core *governance.Core
}

// caller returns the authenticated actor of the call.
func caller(ctx context.Context) (string, error) {
	c, ok := envelope.GetCaller(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "signed envelope required")
	}
	return c.Actor, nil
}

func unary[Req, Resp any](name string, fn func(*service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			raw := new(json.RawMessage)
			if err := dec(raw); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, in any) (any, error) {
				req := new(Req)
				if body := *in.(*json.RawMessage); len(body) > 0 {
					if err := json.Unmarshal(body, req); err != nil {
						return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
					}
				}
				resp, err := fn(srv.(*service), ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, raw)
			}
			return interceptor(ctx, raw, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("InitCouncil", (*service).initCouncil),
		unary("GetCouncil", (*service).getCouncil),
		unary("AddElder", (*service).addElder),
		unary("RemoveElder", (*service).removeElder),
		unary("SetQuorum", (*service).setQuorum),

		unary("CreateRule", (*service).createRule),
		unary("EditRule", (*service).editRule),
		unary("ApproveRule", (*service).approveRule),
		unary("SetRuleEnabled", (*service).setRuleEnabled),
		unary("DeleteRule", (*service).deleteRule),
		unary("ListRules", (*service).listRules),
		unary("GetRule", (*service).getRule),
		unary("RuleHistory", (*service).ruleHistory),
		unary("Check", (*service).check),

		unary("ListRequests", (*service).listRequests),
		unary("GetRequest", (*service).getRequest),
		unary("Propose", (*service).propose),
		unary("ApproveRequest", (*service).approveRequest),
		unary("RejectRequest", (*service).rejectRequest),
		unary("CancelRequest", (*service).cancelRequest),
		unary("ExecuteRequest", (*service).executeRequest),
		unary("SweepRequests", (*service).sweepRequests),

		unary("Join", (*service).join),
		unary("ListMembers", (*service).listMembers),
		unary("PromoteMember", (*service).promoteMember),
		unary("DemoteMember", (*service).demoteMember),
		unary("RemoveMember", (*service).removeMember),
		unary("GetSettings", (*service).getSettings),
		unary("SetSetting", (*service).setSetting),

		unary("ListAudit", (*service).listAudit),
		unary("VerifyAudit", (*service).verifyAudit),
		unary("ExportAudit", (*service).exportAudit),
		unary("Attest", (*service).attest),

		unary("SessionStatus", (*service).sessionStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clan/v1/governance",
}

// Council

func (s *service) initCouncil(ctx context.Context, req *ScopeRequest) (*council.Registry, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.InitCouncil(ctx, req.Scope, actor)
}

func (s *service) getCouncil(ctx context.Context, req *ScopeRequest) (*council.Registry, error) {
	return s.core.Council(ctx, req.Scope)
}

func (s *service) addElder(ctx context.Context, req *ElderRequest) (*council.Outcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.AddElder(ctx, req.Scope, req.Target, actor, req.RequireApproval)
}

func (s *service) removeElder(ctx context.Context, req *ElderRequest) (*council.Outcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.RemoveElder(ctx, req.Scope, req.Target, actor, req.RequireApproval)
}

func (s *service) setQuorum(ctx context.Context, req *QuorumRequest) (*council.Outcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.SetQuorum(ctx, req.Scope, req.Quorum, actor)
}

// Rules

func (s *service) createRule(ctx context.Context, req *CreateRuleRequest) (*governance.RuleOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.CreateRule(ctx, req.Scope, actor, req.Rule)
}

func (s *service) editRule(ctx context.Context, req *EditRuleRequest) (*governance.RuleOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.EditRule(ctx, req.Scope, req.ID, req.Text, actor)
}

func (s *service) approveRule(ctx context.Context, req *RuleRequest) (*rules.Rule, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.ApproveRule(ctx, req.Scope, req.ID, actor)
}

func (s *service) setRuleEnabled(ctx context.Context, req *SetRuleEnabledRequest) (*rules.Rule, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.SetRuleEnabled(ctx, req.Scope, req.ID, req.Enabled, actor)
}

func (s *service) deleteRule(ctx context.Context, req *RuleRequest) (*governance.RuleOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.DeleteRule(ctx, req.Scope, req.ID, actor)
}

func (s *service) listRules(ctx context.Context, req *ListRulesRequest) (*RulesResponse, error) {
	list, err := s.core.Rules(ctx, req.Scope, rules.ListOptions{IncludeDeleted: req.IncludeDeleted, EnabledOnly: req.EnabledOnly})
	if err != nil {
		return nil, err
	}
	return &RulesResponse{Rules: list}, nil
}

func (s *service) getRule(ctx context.Context, req *RuleRequest) (*rules.Rule, error) {
	return s.core.Rule(ctx, req.Scope, req.ID)
}

func (s *service) ruleHistory(ctx context.Context, req *RuleRequest) (*HistoryResponse, error) {
	revs, err := s.core.RuleHistory(ctx, req.Scope, req.ID)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{Revisions: revs}, nil
}

func (s *service) check(ctx context.Context, req *CheckRequest) (*enforce.Decision, error) {
	d := s.core.Check(ctx, req.Scope, req.Action, req.Context)
	return &d, nil
}

// Requests

func (s *service) listRequests(ctx context.Context, req *ListRequestsRequest) (*RequestsResponse, error) {
	st, ok := approval.ParseStatus(req.Status)
	if !ok {
		return nil, fmt.Errorf("%w: status %q", governance.ErrInvalidInput, req.Status)
	}
	list, err := s.core.Requests(ctx, req.Scope, approval.ListOptions{Status: st, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return &RequestsResponse{Requests: list}, nil
}

func (s *service) getRequest(ctx context.Context, req *RequestRef) (*approval.Request, error) {
	return s.core.ResolveRequest(ctx, req.Scope, req.ID)
}

func (s *service) propose(ctx context.Context, req *ProposeRequest) (*approval.Request, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	act, err := action.Parse(req.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", governance.ErrInvalidInput, err)
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	return s.core.Propose(ctx, req.Scope, act, payload, actor)
}

// vote resolves ref and applies fn as the caller.
func (s *service) vote(ctx context.Context, ref *RequestRef, fn func(ctx context.Context, id, actor string) (*approval.Request, error)) (*approval.Request, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	req, err := s.core.ResolveRequest(ctx, ref.Scope, ref.ID)
	if err != nil {
		return nil, err
	}
	return fn(ctx, req.ID, actor)
}

func (s *service) approveRequest(ctx context.Context, ref *RequestRef) (*approval.Request, error) {
	return s.vote(ctx, ref, s.core.Approve)
}

func (s *service) rejectRequest(ctx context.Context, ref *RequestRef) (*approval.Request, error) {
	return s.vote(ctx, ref, s.core.Reject)
}

func (s *service) cancelRequest(ctx context.Context, ref *RequestRef) (*Empty, error) {
	_, err := s.vote(ctx, ref, func(ctx context.Context, id, actor string) (*approval.Request, error) {
		return nil, s.core.Cancel(ctx, id, actor)
	})
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *service) executeRequest(ctx context.Context, ref *RequestRef) (*approval.Request, error) {
	return s.vote(ctx, ref, func(ctx context.Context, id, _ string) (*approval.Request, error) {
		return s.core.Execute(ctx, id)
	})
}

func (s *service) sweepRequests(ctx context.Context, req *ScopeRequest) (*RequestsResponse, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	done, err := s.core.Sweep(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	return &RequestsResponse{Requests: done}, nil
}

// Members

func (s *service) join(ctx context.Context, req *ScopeRequest) (*roster.Member, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.Join(ctx, req.Scope, actor)
}

func (s *service) listMembers(ctx context.Context, req *ScopeRequest) (*MembersResponse, error) {
	list, err := s.core.Members(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	return &MembersResponse{Members: list}, nil
}

func (s *service) promoteMember(ctx context.Context, req *MemberRequest) (*governance.MemberOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.PromoteMember(ctx, req.Scope, req.Target, req.Role, actor)
}

func (s *service) demoteMember(ctx context.Context, req *MemberRequest) (*governance.MemberOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.DemoteMember(ctx, req.Scope, req.Target, actor)
}

func (s *service) removeMember(ctx context.Context, req *MemberRequest) (*governance.MemberOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.RemoveMember(ctx, req.Scope, req.Target, actor)
}

func (s *service) getSettings(ctx context.Context, req *ScopeRequest) (*SettingsResponse, error) {
	all, err := s.core.Settings(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	return &SettingsResponse{Settings: all}, nil
}

func (s *service) setSetting(ctx context.Context, req *SettingRequest) (*governance.SettingOutcome, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.SetSetting(ctx, req.Scope, req.Key, req.Value, actor)
}

// Audit

func (s *service) listAudit(ctx context.Context, req *ListAuditRequest) (*AuditResponse, error) {
	events, err := s.core.AuditEvents(ctx, req.Scope, audit.ListOptions{Since: req.Since, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return &AuditResponse{Events: events}, nil
}

func (s *service) verifyAudit(ctx context.Context, req *VerifyAuditRequest) (*audit.Report, error) {
	return s.core.VerifyAudit(ctx, req.Scope, req.Window)
}

func (s *service) exportAudit(ctx context.Context, req *ExportAuditRequest) (*governance.ExportResult, error) {
	actor, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.core.ExportAudit(ctx, req.Scope, actor, req.Archive)
}

func (s *service) attest(ctx context.Context, req *ScopeRequest) (*audit.Attestation, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return s.core.Attest(ctx, req.Scope)
}

// Device

func (s *service) sessionStatus(ctx context.Context, _ *Empty) (*session.Status, error) {
	return s.core.SessionStatus(ctx)
}
