package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mchmarny/cardscore/pkg/auth"
	"github.com/mchmarny/cardscore/pkg/config"
	"github.com/mchmarny/cardscore/pkg/logging"
	"github.com/mchmarny/cardscore/pkg/model"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	serverShutdownWaitSeconds = 5
	serverMaxHeaderBytes      = 20

	serviceAll   = "all"
	serviceRank  = "rank"
	serviceFraud = "fraud"
)

var (
	serviceFlag = &cli.StringFlag{
		Name:  "service",
		Usage: "Service to run [all, rank, fraud]",
		Value: serviceAll,
		Validator: func(s string) error {
			switch s {
			case serviceAll, serviceRank, serviceFraud:
				return nil
			}
			return fmt.Errorf("invalid service: %s", s)
		},
	}

	rankPortFlag = &cli.IntFlag{
		Name:  "rank-port",
		Usage: "Port of the ranking server (default: server.rank_port)",
	}

	fraudPortFlag = &cli.IntFlag{
		Name:  "fraud-port",
		Usage: "Port of the fraud server (default: server.fraud_port)",
	}

	watchFlag = &cli.BoolFlag{
		Name:  "watch",
		Usage: "Reload model files when they change",
	}

	serverCmd = &cli.Command{
		Name:            "server",
		Aliases:         []string{"serve"},
		Usage:           "Start the ranking and fraud detection REST servers",
		HideHelpCommand: true,
		Action:          cmdStartServer,
		Flags: []cli.Flag{
			serviceFlag,
			rankPortFlag,
			fraudPortFlag,
			watchFlag,
		},
	}
)

func cmdStartServer(ctx context.Context, cmd *cli.Command) error {
	app := getConfig(cmd)
	cfg := app.Config

	if p := int(cmd.Int(rankPortFlag.Name)); p > 0 {
		cfg.Server.RankPort = p
	}
	if p := int(cmd.Int(fraudPortFlag.Name)); p > 0 {
		cfg.Server.FraudPort = p
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.SetDefaultServerLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	service := cmd.String(serviceFlag.Name)
	var (
		servers  []*http.Server
		watchers []watchTarget
	)

	if service == serviceAll || service == serviceRank {
		svc := newRankService(cfg.Ranking, nil)
		servers = append(servers, newServer(cfg, cfg.Server.RankPort, "rank", makeRankRouter(svc)))
		watchers = append(watchers, watchTarget{
			paths:  []string{cfg.Ranking.ModelPath, cfg.Ranking.PipelinePath},
			reload: svc.reload,
		})
	}

	if service == serviceAll || service == serviceFraud {
		d, err := newDetector(cfg, app.DB, app.Driver)
		if err != nil {
			slog.Error("fraud detector not initialized", "error", err)
		}
		svc := newFraudService(d, cfg.Server.MaxBatch)
		servers = append(servers, newServer(cfg, cfg.Server.FraudPort, "fraud", makeFraudRouter(svc)))
		if d != nil {
			watchers = append(watchers, watchTarget{
				paths:  []string{cfg.Fraud.ModelPath, cfg.Fraud.PipelinePath},
				reload: func() error { return reloadFraudModel(cfg.Fraud, d.ML()) },
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			slog.Info("server started", "address", "http://"+s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	if cmd.Bool(watchFlag.Name) {
		for _, t := range watchers {
			g.Go(func() error {
				if err := t.watch(gctx); err != nil {
					slog.Error("model watch stopped", "error", err)
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(servers)
	})

	return g.Wait()
}

func newServer(cfg *config.Config, port int, name string, h http.Handler) *http.Server {
	handler := chain(h,
		withRequestLog(name),
		withCORS(cfg.Server.CORSOrigins),
		withRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		auth.Middleware(cfg.Server.APIKeys),
	)
	return &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:        handler,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		MaxHeaderBytes: 1 << serverMaxHeaderBytes,
	}
}

func shutdown(servers []*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownWaitSeconds*time.Second)
	defer cancel()

	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("error shutting down server", "address", s.Addr, "error", err)
			errs = append(errs, err)
		}
	}
	slog.Info("servers stopped")
	return errors.Join(errs...)
}

// watchTarget reloads a model when any of its files changes.
type watchTarget struct {
	paths  []string
	reload func() error
}

func (t watchTarget) watch(ctx context.Context) error {
	var paths []string
	for _, p := range t.paths {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return model.Watch(ctx, paths, func(path string) {
		if err := t.reload(); err != nil {
			slog.Error("model reload failed", "path", path, "error", err)
		}
	})
}
