package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clawapp/clawsync/internal/api"
	"github.com/clawapp/clawsync/internal/config"
	"github.com/clawapp/clawsync/internal/connectivity"
	"github.com/clawapp/clawsync/internal/engine"
	"github.com/clawapp/clawsync/internal/store"
)

// env bundles the wired components a command needs. One-shot commands
// (capture, retry, queue...) never start the dispatch loop; they enqueue or
// inspect and exit, leaving dispatch to a running `clawsync run`.
type env struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

// openEnv loads config and opens the durable store. The engine is wired
// with a static offline monitor so nothing dispatches from a one-shot
// command.
func openEnv(opts *RootOptions) (*env, error) {
	return openEnvWith(opts, connectivity.NewStatic(false))
}

func openEnvWith(opts *RootOptions, monitor connectivity.Monitor) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, WrapExitError(ExitCommandError, "create store directory", err)
		}
	}
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open transaction log", err)
	}

	client := api.New(cfg.API.BaseURL, api.StaticToken(cfg.API.Token),
		api.WithRequestTimeout(cfg.API.RequestTimeout.Std()))

	eng := engine.New(s, monitor, client,
		engine.WithBackoff(engine.Backoff{
			Base:        cfg.Engine.BackoffBase.Std(),
			Cap:         cfg.Engine.BackoffCap.Std(),
			MaxAttempts: cfg.Engine.MaxAttempts,
		}),
		engine.WithConcurrency(cfg.Engine.Concurrency),
	)

	return &env{cfg: cfg, store: s, engine: eng}, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
