package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pardalotus/metabeak/internal/agents/crossref"
	"github.com/pardalotus/metabeak/internal/api"
	"github.com/pardalotus/metabeak/internal/config"
	"github.com/pardalotus/metabeak/internal/db"
	"github.com/pardalotus/metabeak/internal/engine"
	"github.com/pardalotus/metabeak/internal/extract"
	"github.com/pardalotus/metabeak/internal/sandbox"
	"github.com/pardalotus/metabeak/internal/service"
	"github.com/pardalotus/metabeak/internal/store"
)

type options struct {
	cfgFile       string
	loadHandlers  string
	loadEvents    string
	fetchCrossref bool
	runExtract    bool
	execute       bool
	executeOne    bool
	serveAPI      bool
}

func (o *options) anyAction() bool {
	return o.loadHandlers != "" || o.loadEvents != "" ||
		o.fetchCrossref || o.runExtract ||
		o.execute || o.executeOne || o.serveAPI
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "metabeak",
		Short:         "Pardalotus Metabeak handler execution engine",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.anyAction() {
				cmd.Help()
				return startupErr(fmt.Errorf("no action requested"))
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.cfgFile, "config", "", "path to config file")
	flags.StringVar(&opts.loadHandlers, "load-handlers", "", "load handler functions from *.js files in this directory")
	flags.StringVar(&opts.loadEvents, "load-events", "", "load events from *.json files in this directory")
	flags.BoolVar(&opts.fetchCrossref, "fetch-crossref", false, "harvest newly indexed works from Crossref")
	flags.BoolVar(&opts.runExtract, "extract", false, "derive events from queued metadata assertions")
	flags.BoolVar(&opts.execute, "execute", false, "run the execution engine until interrupted")
	flags.BoolVar(&opts.executeOne, "execute-one", false, "process one queue batch and exit")
	flags.BoolVar(&opts.serveAPI, "api", false, "serve the HTTP API until interrupted")

	cmd.MarkFlagsMutuallyExclusive("execute", "execute-one")
	cmd.MarkFlagsMutuallyExclusive("execute", "api")

	return cmd
}

// run performs the requested actions in pipeline order: loads, harvest,
// extraction, then execution or the API server.
func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return startupErr(err)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		return startupErr(err)
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return startupErr(err)
	}
	defer pool.Close()
	st := store.New(pool, logger)

	if opts.loadHandlers != "" {
		created, err := service.LoadHandlersFromDir(ctx, st, opts.loadHandlers, logger)
		if err != nil {
			return runtimeErr(err)
		}
		logger.Info("handler load complete", slog.Int("created", created))
	}

	if opts.loadEvents != "" {
		total, err := service.LoadEventsFromDir(ctx, st, opts.loadEvents, logger)
		if err != nil {
			return runtimeErr(err)
		}
		logger.Info("event load complete", slog.Int("events", total))
	}

	if opts.fetchCrossref {
		client := crossref.NewClient(cfg.Crossref.BaseURL, cfg.Crossref.UserAgent, cfg.Crossref.Rows, logger)
		agent := crossref.NewAgent(client, st, logger)
		inserted, err := agent.Fetch(ctx)
		if err != nil {
			return runtimeErr(err)
		}
		logger.Info("crossref harvest complete", slog.Int("inserted", inserted))
	}

	if opts.runExtract {
		drained, err := extract.Drain(ctx, st, logger)
		if err != nil {
			return runtimeErr(err)
		}
		logger.Info("extraction complete", slog.Int("assertions", drained))
	}

	if opts.execute || opts.executeOne {
		if err := runEngine(ctx, cfg, st, logger, opts.executeOne); err != nil {
			return err
		}
	}

	if opts.serveAPI {
		server := api.New(api.Config{
			Addr:            cfg.API.Addr,
			MaxUploadBytes:  int64(cfg.Engine.MaxScriptKB) * 1024,
			ResultPageSize:  100,
			ShutdownTimeout: 10 * time.Second,
		}, st, logger)
		if err := server.Run(ctx); err != nil {
			return runtimeErr(err)
		}
	}

	return nil
}

func runEngine(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, once bool) error {
	eng, err := engine.New(st, engine.Config{
		PoolSize:         cfg.Engine.PoolSize,
		BatchSize:        cfg.Engine.BatchSize,
		CacheSize:        cfg.Engine.CacheSize,
		FailureThreshold: cfg.Engine.FailureThreshold,
		RetryAttempts:    cfg.Engine.RetryAttempts,
		BackoffMin:       cfg.Engine.BackoffMin,
		BackoffMax:       cfg.Engine.BackoffMax,
		ShutdownGrace:    cfg.Engine.ShutdownGrace,
		Sandbox: sandbox.Config{
			ExecutionTimeout:   cfg.Engine.ExecutionTimeout,
			MemoryLimitMB:      cfg.Engine.MemoryLimitMB,
			MaxScriptBytes:     cfg.Engine.MaxScriptKB * 1024,
			ConsoleBufferBytes: cfg.Engine.ConsoleBufferKB * 1024,
			StackLimitBytes:    cfg.Engine.StackLimitKB * 1024,
			Version:            config.Version,
		},
	}, logger)
	if err != nil {
		return startupErr(err)
	}
	defer eng.Close()

	if once {
		claimed, err := eng.RunOnce(ctx)
		if err != nil {
			return runtimeErr(err)
		}
		logger.Info("batch complete", slog.Int("claimed", claimed))
		return nil
	}
	if err := eng.Run(ctx); err != nil {
		return runtimeErr(err)
	}
	return nil
}
