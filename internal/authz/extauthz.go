// Package authz exposes the governor's decision path as an Envoy ext_authz
// service, so an edge proxy can enforce the same admission decisions the
// in-process HTTP middleware makes.
package authz

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	envoy_config_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_service_auth_v3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	envoy_type_v3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"

	"github.com/chrlshc/huntaze-edge-governor/internal/abuse"
	"github.com/chrlshc/huntaze-edge-governor/internal/governor"
)

// Server implements envoy_service_auth_v3.AuthorizationServer on top of the
// governor decision core.
type Server struct {
	governor *governor.Governor
	logger   zerolog.Logger
}

// NewServer creates a new ext_authz adapter
func NewServer(gov *governor.Governor, logger zerolog.Logger) *Server {
	return &Server{governor: gov, logger: logger}
}

// Check implements the ext_authz service
func (s *Server) Check(ctx context.Context, req *envoy_service_auth_v3.CheckRequest) (*envoy_service_auth_v3.CheckResponse, error) {
	httpReq := req.GetAttributes().GetRequest().GetHttp()

	decision := s.governor.Decide(ctx, governor.DecisionInput{
		Path:          httpReq.GetPath(),
		ClientIP:      resolveIdentity(req),
		CorrelationID: httpReq.GetHeaders()["x-request-id"],
	})

	if decision.Allowed {
		return s.allowResponse(decision), nil
	}
	return s.denyResponse(decision), nil
}

// resolveIdentity mirrors the HTTP middleware's resolution order using the
// envoy request attributes: forwarded-for chain, real-ip header, then the
// downstream socket address.
func resolveIdentity(req *envoy_service_auth_v3.CheckRequest) string {
	headers := req.GetAttributes().GetRequest().GetHttp().GetHeaders()

	if xff := headers["x-forwarded-for"]; xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if abuse.ValidIP(first) {
			return first
		}
	}
	if realIP := strings.TrimSpace(headers["x-real-ip"]); realIP != "" {
		if abuse.ValidIP(realIP) {
			return realIP
		}
	}

	if addr := req.GetAttributes().GetSource().GetAddress().GetSocketAddress(); addr != nil {
		if abuse.ValidIP(addr.GetAddress()) {
			return addr.GetAddress()
		}
	}

	return governor.UnknownIdentity
}

// allowResponse creates an allow response carrying the rate-limit headers
func (s *Server) allowResponse(decision governor.Decision) *envoy_service_auth_v3.CheckResponse {
	return &envoy_service_auth_v3.CheckResponse{
		HttpResponse: &envoy_service_auth_v3.CheckResponse_OkResponse{
			OkResponse: &envoy_service_auth_v3.OkHttpResponse{
				Headers: rateLimitHeaders(decision),
			},
		},
		DynamicMetadata: &structpb.Struct{
			Fields: map[string]*structpb.Value{
				"status": structpb.NewStringValue("ok"),
				"denied": structpb.NewBoolValue(false),
			},
		},
	}
}

// denyResponse creates a deny response with the JSON error body
func (s *Server) denyResponse(decision governor.Decision) *envoy_service_auth_v3.CheckResponse {
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {
			"code":           decision.ErrorCode,
			"message":        decision.Reason,
			"correlation_id": decision.CorrelationID,
		},
	})

	headers := rateLimitHeaders(decision)
	if decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		headers = append(headers, headerOption("Retry-After", strconv.Itoa(seconds)))
	}

	return &envoy_service_auth_v3.CheckResponse{
		HttpResponse: &envoy_service_auth_v3.CheckResponse_DeniedResponse{
			DeniedResponse: &envoy_service_auth_v3.DeniedHttpResponse{
				Status: &envoy_type_v3.HttpStatus{
					Code: envoy_type_v3.StatusCode(decision.Code),
				},
				Headers: headers,
				Body:    string(body),
			},
		},
		DynamicMetadata: &structpb.Struct{
			Fields: map[string]*structpb.Value{
				"status":         structpb.NewStringValue("denied"),
				"denied":         structpb.NewBoolValue(true),
				"failure_reason": structpb.NewStringValue(decision.Reason),
			},
		},
	}
}

func rateLimitHeaders(decision governor.Decision) []*envoy_config_core_v3.HeaderValueOption {
	headers := []*envoy_config_core_v3.HeaderValueOption{
		headerOption("X-RateLimit-Limit", strconv.Itoa(decision.Policy.MaxRequests)),
		headerOption("X-RateLimit-Remaining", strconv.Itoa(decision.Quota.Remaining)),
		headerOption("X-RateLimit-Policy", decision.Policy.String()),
	}
	if !decision.Quota.ResetAt.IsZero() {
		headers = append(headers, headerOption("X-RateLimit-Reset", strconv.FormatInt(decision.Quota.ResetAt.Unix(), 10)))
	}
	if decision.CorrelationID != "" {
		headers = append(headers, headerOption("X-Request-ID", decision.CorrelationID))
	}
	return headers
}

func headerOption(key, value string) *envoy_config_core_v3.HeaderValueOption {
	return &envoy_config_core_v3.HeaderValueOption{
		Header: &envoy_config_core_v3.HeaderValue{Key: key, Value: value},
	}
}
