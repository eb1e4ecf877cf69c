package oauth

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Introspect answers an RFC 7662 introspection request sent by a resource
// server.
func (s *Server) Introspect(ctx context.Context, r *http.Request) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "token.introspect")
	defer span.End()

	rs, token, hint, err := s.resourceServerRequest(r)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrTokenTypeHint, hint))

	out, err := s.tokenHints.Introspect(ctx, rs, token, hint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, protocol.AsOAuthError(err)
	}
	return out, nil
}

// Revoke answers an RFC 7009 revocation request sent by a resource server.
// Unknown tokens are not an error.
func (s *Server) Revoke(ctx context.Context, r *http.Request) error {
	ctx, span := s.tracer.Start(ctx, "token.revoke")
	defer span.End()

	rs, token, hint, err := s.resourceServerRequest(r)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrTokenTypeHint, hint))

	if err := s.tokenHints.Revoke(ctx, rs, token, hint); err != nil {
		instrumentation.RecordError(span, err)
		return protocol.AsOAuthError(err)
	}
	return nil
}

// resourceServerRequest authenticates the calling resource server and reads
// the token parameters.
func (s *Server) resourceServerRequest(r *http.Request) (model.ResourceServer, string, string, error) {
	if s.resourceServers == nil {
		return nil, "", "", protocol.InvalidResourceServer("Resource server authentication is not configured.")
	}
	if err := r.ParseForm(); err != nil {
		return nil, "", "", protocol.InvalidRequest("The request body could not be parsed.").WithCause(err)
	}
	rs, err := s.resourceServers.Authenticate(r)
	if err != nil {
		return nil, "", "", protocol.AsOAuthError(err)
	}
	token := r.PostForm.Get(protocol.ParamToken)
	if token == "" {
		return nil, "", "", protocol.InvalidRequest(`The parameter "token" is missing.`)
	}
	return rs, token, r.PostForm.Get(protocol.ParamTokenTypeHint), nil
}
