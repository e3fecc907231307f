package server

import (
	"crypto/tls"

	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	HealthServiceEscrow  = "openescrow.v1.Escrow"
	HealthServiceSweeper = "openescrow.v1.UnlockSweeper"
)

// NewGRPCServer builds the gRPC listener used for orchestrator health checks.
// Health probes bypass authentication; anything registered later does not.
func NewGRPCServer(verifier *platformauth.JWTVerifier, tlsCfg *tls.Config) (*grpc.Server, *health.Server) {
	allow := []string{"/grpc.health.v1.Health/"}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(platformauth.UnaryJWTInterceptor(verifier, allow)),
		grpc.ChainStreamInterceptor(platformauth.StreamJWTInterceptor(verifier, allow)),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	for _, name := range []string{"", HealthServiceEscrow, HealthServiceSweeper} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return srv, hs
}
