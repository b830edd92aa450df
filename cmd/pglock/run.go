package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/kneutral-org/pglock/internal/lock"
)

// exitLockUnavailable is returned when the lock could not be acquired.
const exitLockUnavailable = 75

func (c *cli) runCmd() *cobra.Command {
	var (
		wait       bool
		timeout    time.Duration
		maxRetries int
		retryDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [key] -- [command] [args...]",
		Short: "Run a command while holding a lock",
		Long: `Acquire the lock for key, run the command, and release the lock when it exits.
Concurrent invocations with the same key on any host sharing the database run one at a time.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []lock.AcquireOption
			flags := cmd.Flags()
			if flags.Changed("wait") {
				opts = append(opts, lock.WithWait(wait))
			}
			if flags.Changed("timeout") {
				opts = append(opts, lock.WithTimeout(timeout))
			}
			if flags.Changed("max-retries") {
				opts = append(opts, lock.WithMaxRetries(maxRetries))
			}
			if flags.Changed("retry-delay") {
				opts = append(opts, lock.WithRetryDelay(retryDelay))
			}

			coord, closeFn, err := c.connect(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer closeFn()

			key, argv := args[0], args[1:]
			return coord.WithLock(cmd.Context(), key, func(ctx context.Context) error {
				child := exec.CommandContext(ctx, argv[0], argv[1:]...)
				child.Stdin = os.Stdin
				child.Stdout = c.out
				child.Stderr = cmd.ErrOrStderr()
				return child.Run()
			}, opts...)
		},
	}

	defaults := c.cfg.LockDefaults()
	cmd.Flags().BoolVar(&wait, "wait", defaults.Wait, "block until the lock is free (false fails at once when held)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaults.Timeout, "per-attempt wait bound, 0 for no bound")
	cmd.Flags().IntVar(&maxRetries, "max-retries", defaults.MaxRetries, "retries after the first attempt")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", defaults.RetryDelay, "pause between attempts")
	return cmd
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, lock.ErrAlreadyHeld) || errors.Is(err, lock.ErrAcquireTimeout) {
		return exitLockUnavailable
	}
	return 1
}
