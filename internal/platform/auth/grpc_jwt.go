package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcGate authenticates calls except those whose full method name starts
// with one of the allowed prefixes (health and reflection, typically).
type grpcGate struct {
	verifier *JWTVerifier
	allow    []string
}

func (g grpcGate) allowed(method string) bool {
	for _, p := range g.allow {
		if method == p || strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

func (g grpcGate) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	authz := md.Get("authorization")
	if len(authz) == 0 || !strings.HasPrefix(authz[0], "Bearer ") {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	actor, err := g.verifier.ParseActor(strings.TrimPrefix(authz[0], "Bearer "))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return WithActor(ctx, actor), nil
}

func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticated []string) grpc.UnaryServerInterceptor {
	g := grpcGate{verifier: verifier, allow: allowUnauthenticated}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if g.allowed(info.FullMethod) {
			return handler(ctx, req)
		}
		authed, err := g.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

type actorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s actorStream) Context() context.Context { return s.ctx }

func StreamJWTInterceptor(verifier *JWTVerifier, allowUnauthenticated []string) grpc.StreamServerInterceptor {
	g := grpcGate{verifier: verifier, allow: allowUnauthenticated}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if g.allowed(info.FullMethod) {
			return handler(srv, ss)
		}
		authed, err := g.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, actorStream{ServerStream: ss, ctx: authed})
	}
}
