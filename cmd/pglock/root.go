package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/internal/lock"
	"github.com/kneutral-org/pglock/internal/logging"
)

// Version of the pglock CLI.
const Version = "0.3.0"

// connectFunc opens a coordinator and returns a func that closes its resources.
type connectFunc func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*lock.Coordinator, func(), error)

// cli carries the state shared by all subcommands.
type cli struct {
	cfg     *config.Config
	logger  zerolog.Logger
	out     io.Writer
	connect connectFunc
}

// newRootCmd builds the command tree. connect is swapped out in tests.
func newRootCmd(cfg *config.Config, out io.Writer, connect connectFunc) *cobra.Command {
	c := &cli{cfg: cfg, out: out, connect: connect}

	root := &cobra.Command{
		Use:   "pglock",
		Short: "PostgreSQL advisory lock coordinator",
		Long: fmt.Sprintf(`pglock (v%s)

Serializes work across processes with PostgreSQL session-level advisory locks.
Keys are hashed to lock identifiers, so every process sharing a database
agrees on which work is mutually exclusive.`, Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.logger = logging.NewPrettyLogger("pglock", c.cfg.LogLevel)
			return c.cfg.Validate()
		},
	}

	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.LockHashBits, "hash-bits", cfg.LockHashBits, "key hash width, 31 or 63")

	root.AddCommand(
		c.hashCmd(),
		c.statusCmd(),
		c.runCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of pglock",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(c.out, "pglock v%s\n", Version)
			},
		},
	)
	return root
}

func (c *cli) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [key]",
		Short: "Print the lock identifier for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(c.out, c.cfg.Hasher()(args[0]))
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [key]",
		Short: "Report whether a key is locked by any session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, closeFn, err := c.connect(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer closeFn()

			key := args[0]
			state := "unlocked"
			if coord.IsLocked(cmd.Context(), key) {
				state = "locked"
			}
			fmt.Fprintf(c.out, "%s\t%d\t%s\n", key, coord.Identifier(key), state)
			return nil
		},
	}
}

// connectPostgres opens a small pool against cfg.DatabaseURL.
func connectPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*lock.Coordinator, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	coord := lock.NewCoordinator(lock.NewPostgresProvider(pool), logger, cfg.CoordinatorOptions()...)
	return coord, pool.Close, nil
}

// Execute runs the CLI and exits with the wrapped command's exit code, if any.
func Execute() {
	root := newRootCmd(config.Load(), os.Stdout, connectPostgres)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
