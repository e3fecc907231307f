package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	platformauth "github.com/wizardbeardstudio/open-escrow-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var errReconcileFailed = errors.New("reconciliation found violations")

type rootOptions struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "escrowd",
		Short:         "Escrow ledger and timed-release engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to seed ESCROW_* variables from")

	systemCmd := &cobra.Command{Use: "system-account", Short: "Manage the platform account"}
	systemCmd.AddCommand(newSystemInitCmd(opts))

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newMigrateCmd(opts),
		systemCmd,
		newReconcileCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// withRuntime loads config, builds the runtime and tears it down after fn.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogDev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	rt, err := buildRuntime(cmd.Context(), cfg, log)
	if err != nil {
		_ = log.Sync()
		return err
	}
	defer rt.Close()
	return fn(cmd.Context(), rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var initSystem bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server, the gRPC health server and the unlock sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if initSystem {
					if _, err := rt.svc.System.Init(ctx); err != nil && !errors.Is(err, ledger.ErrSystemAccountExists) {
						return err
					}
				}
				return serve(ctx, rt)
			})
		},
	}
	cmd.Flags().BoolVar(&initSystem, "init-system-account", false, "create the platform account on start when missing")
	return cmd
}

func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:           cfg.TLS.Enabled,
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		ClientCAFile:      cfg.TLS.ClientCAFile,
		RequireClientCert: cfg.TLS.RequireClientCert,
		MinVersionTLS13:   cfg.TLS.MinVersionTLS13,
	})
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	verifier := rt.verifier()
	guard, err := server.NewOpsAccessGuard(rt.clk, rt.audit, rt.log.Named("ops_access"), cfg.TrustedCIDRs)
	if err != nil {
		return err
	}
	ops := server.NewOpsHandler(rt.svc, verifier, guard)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ops.Router(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer, health := server.NewGRPCServer(verifier, tlsCfg)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("ops http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		rt.log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		return rt.svc.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		t := time.NewTicker(cfg.Policy.Sweeper.Interval.Duration)
		defer t.Stop()
		for {
			rt.refreshHoldGauges(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutting down")
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one unlock sweep and print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				summary, err := rt.svc.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate requires ESCROW_DATABASE_URL")
			}
			db, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := ledger.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newSystemInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the platform account; fails if one already exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				a, err := rt.svc.System.Init(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "platform account %s created\n", a.ID)
				return nil
			})
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check ledger invariants; exits non-zero on any violation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.Reconciler.Reconcile(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%w: %d", errReconcileFailed, len(report.Violations))
				}
				return nil
			})
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		id        string
		actorType string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for the ops surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			switch actorType {
			case platformauth.ActorOperator, platformauth.ActorService, platformauth.ActorUser:
			default:
				return fmt.Errorf("unknown actor type %q", actorType)
			}
			if id == "" {
				return errors.New("--id is required")
			}
			if ttl <= 0 {
				ttl = cfg.JWT.TokenTTL
			}
			ks, err := loadKeyset(cfg.JWT)
			if err != nil {
				return fmt.Errorf("jwt keyset: %w", err)
			}
			token, exp, err := platformauth.NewJWTSignerWithKeyset(ks).SignActor(platformauth.Actor{ID: id, Type: actorType}, time.Now(), ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"token":      token,
				"expires_at": exp.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id carried in the token subject")
	cmd.Flags().StringVar(&actorType, "type", platformauth.ActorOperator, "actor type: operator, service or user")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to ESCROW_JWT_TTL)")
	return cmd
}
