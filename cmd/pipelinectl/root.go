package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/store"
)

// options are the global flags shared by every subcommand.
type options struct {
	Store       string
	SQLitePath  string
	DatabaseURL string
	DataDir     string
	JSON        bool
	Verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	db := config.Load().Database

	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Inspect and verify marketing pipeline decision logs",
		Long: `pipelinectl reads the pipeline's durable store directly. It prints a
task's decision log, replays it to verify the recorded terminal state, lists
task results, and checks brand policy files before they are deployed.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if opts.Verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).Level(level)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.Store, "store", db.Backend, "store backend: memory, sqlite or postgres")
	f.StringVar(&opts.SQLitePath, "sqlite-path", db.SQLitePath, "SQLite database file")
	f.StringVar(&opts.DatabaseURL, "database-url", db.URL, "PostgreSQL connection URL")
	f.StringVar(&opts.DataDir, "data-dir", db.DataDir, "memory store JSONL directory")
	f.BoolVar(&opts.JSON, "json", false, "print JSON instead of tables")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "log store activity to stderr")

	root.AddCommand(
		newLogCmd(opts),
		newReplayCmd(opts),
		newTasksCmd(opts),
		newPolicyCmd(),
	)
	return root
}

// openStore opens the configured backend. The caller closes it.
func openStore(ctx context.Context, opts *options) (store.Store, error) {
	cfg := config.Load().Database
	cfg.Backend = opts.Store
	cfg.SQLitePath = opts.SQLitePath
	cfg.URL = opts.DatabaseURL
	cfg.DataDir = opts.DataDir
	if cfg.Backend == "memory" && cfg.DataDir == "" {
		return nil, fmt.Errorf("the memory store keeps nothing between runs; set --data-dir or pick sqlite/postgres")
	}
	return store.Open(ctx, cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
