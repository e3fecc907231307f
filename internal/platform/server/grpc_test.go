package server

import (
	"context"
	"testing"

	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCHealthServesEscrowServices(t *testing.T) {
	srv, hs := NewGRPCServer(platformauth.NewJWTVerifier("grpc-test"), nil)
	defer srv.Stop()

	for _, name := range []string{"", HealthServiceEscrow, HealthServiceSweeper} {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			t.Fatalf("check %q: %v", name, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("%q: got %v", name, resp.GetStatus())
		}
	}

	hs.Shutdown()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthServiceEscrow})
	if err != nil {
		t.Fatalf("check after shutdown: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown, got %v", resp.GetStatus())
	}
}
