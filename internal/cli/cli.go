// Package cli wires the plan and apply commands: load configuration and
// declarations, run pre-flight, and drive the planner and executor.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/internal/config"
	"github.com/alluvium-io/alluvium/internal/convert"
	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/expr"
	"github.com/alluvium-io/alluvium/internal/graph"
	"github.com/alluvium-io/alluvium/internal/load"
	"github.com/alluvium-io/alluvium/internal/resolve"
	"github.com/alluvium-io/alluvium/internal/state"

	gcs "cloud.google.com/go/storage"
)

func New() *cli.App {
	return &cli.App{
		Name:  "alluvium",
		Usage: "converge declared resources against a provider",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
				Value: "alluvium.yaml",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "path to file to write logs to",
			},
		},
		Commands: []*cli.Command{
			newPlanCommand(),
			newApplyCommand(),
		},
	}
}

// session carries everything pre-flight produces. Both commands refuse to
// proceed past this point with an invalid declaration set.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  state.Store
	rg     *eval.ResolvedGraph

	logFile io.Closer
}

func (s *session) Close() error {
	err := s.store.Close()
	if s.logFile != nil {
		if cerr := s.logFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newSession(c *cli.Context) (*session, error) {
	ctx := c.Context

	declPath := c.Args().First()
	if declPath == "" {
		return nil, fmt.Errorf("usage: %s %s <declarations file>", c.App.Name, c.Command.Name)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg}
	logOut := io.Writer(os.Stderr)
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.logFile = f
		logOut = f
	}
	s.logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	set, err := load.File(declPath)
	if err != nil {
		return nil, err
	}

	env, err := environment(cfg.Constants)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(set)
	if err != nil {
		return nil, err
	}

	og, err := resolve.Resolve(ctx, g, &expr.Scope{Env: env})
	if err != nil {
		return nil, err
	}

	rg, err := eval.Evaluate(ctx, og, env)
	if err != nil {
		return nil, err
	}
	s.rg = rg

	s.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("pre-flight complete",
		"environment", cfg.Environment,
		"resources", len(rg.Ordered.Order),
		"state_backend", cfg.State.Backend,
	)

	return s, nil
}

func environment(constants map[string]any) (map[string]cty.Value, error) {
	env := make(map[string]cty.Value, len(constants))
	for name, v := range constants {
		cv, err := convert.ToCty(v)
		if err != nil {
			return nil, fmt.Errorf("constant %q: %w", name, err)
		}
		env[name] = cv
	}
	return env, nil
}

func openStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case config.StateFile:
		return state.OpenFile(cfg.State.Path)
	case config.StateSQLite:
		return state.OpenSQLite(ctx, cfg.State.Path)
	case config.StateGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return state.OpenGCS(ctx, client, cfg.State.Bucket, cfg.State.Object)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
