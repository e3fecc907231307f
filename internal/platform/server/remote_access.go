package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
	"go.uber.org/zap"
)

const maxAccessActivities = 1000

type AccessActivity struct {
	Timestamp string
	SourceIP  string
	Path      string
	Method    string
	Allowed   bool
	Reason    string
}

// OpsAccessGuard restricts the money-moving ops routes to trusted networks.
// X-Forwarded-For is honoured only when the direct peer is itself trusted.
type OpsAccessGuard struct {
	clock    clock.Clock
	sink     audit.Sink
	log      *zap.Logger
	prefixes []string

	trusted []*net.IPNet
	mu      sync.Mutex
	recent  []AccessActivity
}

func NewOpsAccessGuard(clk clock.Clock, sink audit.Sink, log *zap.Logger, cidrs []string, prefixes ...string) (*OpsAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	if len(prefixes) == 0 {
		prefixes = []string{"/v1/"}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OpsAccessGuard{clock: clk, sink: sink, log: log, prefixes: prefixes, trusted: trusted}, nil
}

func (g *OpsAccessGuard) guarded(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *OpsAccessGuard) sourceIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		peer = strings.TrimSpace(r.RemoteAddr)
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" && g.isTrusted(peer) {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return peer
}

func (g *OpsAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *OpsAccessGuard) record(ctx context.Context, r *http.Request, ip string, allowed bool, reason string) {
	now := g.clock.Now().UTC()
	g.mu.Lock()
	g.recent = append(g.recent, AccessActivity{
		Timestamp: now.Format(time.RFC3339Nano),
		SourceIP:  ip,
		Path:      r.URL.Path,
		Method:    r.Method,
		Allowed:   allowed,
		Reason:    reason,
	})
	if len(g.recent) > maxAccessActivities {
		g.recent = g.recent[len(g.recent)-maxAccessActivities:]
	}
	g.mu.Unlock()

	if allowed || g.sink == nil {
		return
	}
	if _, err := g.sink.Append(ctx, audit.Event{
		AuditID:    uuid.NewString(),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    ip,
		ActorType:  "remote",
		ObjectType: "ops_access",
		ObjectID:   r.Method + " " + r.URL.Path,
		Action:     "denied",
		Before:     []byte(`{}`),
		After:      []byte(`{}`),
		Result:     audit.ResultDenied,
		Reason:     reason,
	}); err != nil {
		g.log.Warn("ops access audit append failed", zap.Error(err))
	}
}

func (g *OpsAccessGuard) Activities() []AccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AccessActivity, len(g.recent))
	copy(out, g.recent)
	return out
}

func (g *OpsAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.guarded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := g.sourceIP(r)
		if !g.isTrusted(ip) {
			g.record(r.Context(), r, ip, false, "source ip outside trusted network")
			g.log.Warn("ops access denied", zap.String("source_ip", ip), zap.String("path", r.URL.Path))
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}
		g.record(r.Context(), r, ip, true, "")
		next.ServeHTTP(w, r)
	})
}
