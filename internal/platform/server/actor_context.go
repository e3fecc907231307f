package server

import (
	"context"
	"strings"

	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
)

var (
	SweeperActor  = ledger.Actor{ID: "unlock-sweeper", Type: platformauth.ActorService}
	GatewayActor  = ledger.Actor{ID: "settlement-adapter", Type: platformauth.ActorService}
	PlatformActor = ledger.Actor{ID: "system-account-guard", Type: platformauth.ActorService}
)

// resolveActor prefers the authenticated actor on ctx and falls back to the
// caller-supplied one for in-process callers such as the sweeper.
func resolveActor(ctx context.Context, fallback ledger.Actor) ledger.Actor {
	if ctx != nil {
		if a, ok := platformauth.ActorFromContext(ctx); ok && strings.TrimSpace(a.ID) != "" {
			return ledger.Actor{ID: a.ID, Type: strings.ToLower(strings.TrimSpace(a.Type))}
		}
	}
	if fallback.ID == "" {
		return ledger.EngineActor
	}
	return fallback
}
