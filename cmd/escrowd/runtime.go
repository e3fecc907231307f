package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/audit"
	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/notify"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/server"
	"go.uber.org/zap"
)

var (
	metricsOnce sync.Once
	metrics     *server.Metrics
)

// processMetrics registers the collectors once per process; promauto panics
// on duplicate registration.
func processMetrics() *server.Metrics {
	metricsOnce.Do(func() { metrics = server.NewMetrics() })
	return metrics
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runtime is everything a subcommand needs, built from one Config.
type runtime struct {
	cfg      config.Config
	log      *zap.Logger
	clk      clock.Clock
	db       *sql.DB
	audit    audit.Sink
	notifier notify.Notifier
	metrics  *server.Metrics
	keyset   platformauth.HMACKeyset
	svc      server.Services
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func loadKeyset(j config.JWT) (platformauth.HMACKeyset, error) {
	if j.KeysetFile != "" {
		return platformauth.LoadHMACKeysetFile(j.KeysetFile)
	}
	return platformauth.ParseHMACKeyset(j.Secret, j.Keyset, j.ActiveKID)
}

func newNotifier(ctx context.Context, n config.Notify) (notify.Notifier, error) {
	switch n.Kind {
	case "redis":
		rdb, err := notify.DialRedis(ctx, n.RedisURL)
		if err != nil {
			return nil, err
		}
		return notify.NewRedisPublisher(rdb, n.RedisChannel), nil
	case "kafka":
		return notify.NewKafkaPublisher(n.KafkaBrokers, n.KafkaTopic)
	case "none", "":
		return notify.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", n.Kind)
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log, clk: clock.RealClock{}, metrics: processMetrics()}

	ks, err := loadKeyset(cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("jwt keyset: %w", err)
	}
	rt.keyset = ks

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.db = db
		store = ledger.NewPostgresStore(db)
		rt.audit = audit.NewPostgresStore(db)
	} else {
		log.Warn("ESCROW_DATABASE_URL not set, using the in-memory store; state is lost on exit")
		store = ledger.NewMemoryStore(rt.clk)
		rt.audit = audit.NewInMemoryStore()
	}

	rt.notifier, err = newNotifier(ctx, cfg.Notify)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}

	p := cfg.Policy
	engine := ledger.NewEngine(store,
		ledger.WithClock(rt.clk),
		ledger.WithLogger(log),
		ledger.WithMaxAttempts(p.Engine.MaxAttempts),
		ledger.WithObserver(rt.metrics),
		ledger.WithAuditSink(rt.audit),
		ledger.WithNotifier(rt.notifier),
	)
	escrow := server.NewEscrowService(engine, rt.metrics)
	escrow.SetDefaultHoldDuration(p.Escrow.DefaultHold.Duration)
	rt.svc = server.Services{
		Engine:     engine,
		Escrow:     escrow,
		Sweeper:    server.NewUnlockSweeper(escrow, p.Sweeper.Interval.Duration, p.Sweeper.Batch, rt.metrics),
		Settlement: server.NewSettlementAdapter(engine, rt.metrics),
		Withdrawals: server.NewWithdrawalService(engine, server.WithdrawalPolicy{
			MinAmount: p.Withdrawal.Min,
			MaxAmount: p.Withdrawal.Max,
			DailyCap:  p.Withdrawal.DailyCap,
			Window:    p.Withdrawal.Window.Duration,
		}, rt.metrics),
		System:     server.NewSystemAccountGuard(engine),
		Reconciler: server.NewReconciler(engine, rt.metrics),
	}
	return rt, nil
}

func (rt *runtime) verifier() *platformauth.JWTVerifier {
	return platformauth.NewJWTVerifierWithKeyset(rt.keyset)
}

// refreshHoldGauges samples the hold backlog for the frozen/overdue gauges.
func (rt *runtime) refreshHoldGauges(ctx context.Context) {
	if rt.db != nil {
		rt.metrics.RefreshHoldCounts(ctx, rt.db)
		return
	}
	holds, err := rt.svc.Engine.Store().ListHolds(ctx, ledger.HoldFilter{Status: ledger.HoldFrozen})
	if err != nil {
		rt.log.Warn("sample holds failed", zap.Error(err))
		return
	}
	now := rt.clk.Now()
	overdue := 0
	for _, h := range holds {
		if h.Due(now) {
			overdue++
		}
	}
	rt.metrics.SetHoldCounts(len(holds), overdue)
}

func (rt *runtime) Close() {
	if rt.notifier != nil {
		if err := rt.notifier.Close(); err != nil {
			rt.log.Warn("close notifier", zap.Error(err))
		}
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
	_ = rt.log.Sync()
}
