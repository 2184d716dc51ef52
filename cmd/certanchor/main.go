// Command certanchor anchors issued certificates to a ledger and verifies
// them against it.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certanchor/pkg/config"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries a non-zero exit code that is not a failure of the
// command itself, such as a TAMPERED verdict.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// cli holds the state shared by subcommands for one invocation.
type cli struct {
	stdout, stderr io.Writer
	configPath     string
	cfg            *config.Config
	logger         *slog.Logger
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 1
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "certanchor",
		Short:         "Anchor certificate digests to a ledger and verify them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(c.configPath)
			if err != nil {
				return err
			}
			// Validate already rejected unparsable levels.
			level, _ := cfg.SlogLevel()
			c.cfg = cfg
			c.logger = slog.New(slog.NewJSONHandler(c.stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CERTANCHOR_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		c.serveCmd(),
		c.digestCmd(),
		c.anchorCmd(),
		c.verifyCmd(),
		c.retryCmd(),
		c.statusCmd(),
		c.sweepCmd(),
		c.tokenCmd(),
	)
	return root
}
