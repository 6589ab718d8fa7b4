// Command portal drives a portal session from the terminal: it logs in, keeps the
// session in durable storage, and sends authenticated requests through the
// refreshing gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/and161185/portal-session/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type appKey struct{}

// newRootCmd builds the command tree. Every subcommand except version gets an
// *app through its context; the returned func releases it.
func newRootCmd(out, errOut io.Writer) (*cobra.Command, func()) {
	var (
		cfgFile string
		current *app
	)
	root := &cobra.Command{
		Use:           "portal",
		Short:         "Portal session client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, out, errOut)
			if err != nil {
				return err
			}
			current = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	def := config.Default()
	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default ./portal.yaml or <state-dir>/portal.yaml)")
	pf.String("api-url", def.APIURL, "portal API base URL")
	pf.String("origin", def.Origin, "origin that scopes stored session data")
	pf.String("storage", def.Storage, "durable storage: file, memory, redis or postgres")
	pf.String("state-dir", def.StateDir, "directory of the file storage backend")
	pf.String("redis-addr", def.RedisAddr, "redis address for the redis backend")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for the postgres backend")
	pf.String("seal-key", "", "encrypt stored values with the key at this path (created if missing)")
	pf.String("demo-api-key", "", "API key for demo endpoints")
	pf.String("role", string(def.Role), "role the protected views require")
	pf.String("user-agent", def.UserAgent, "user agent sent and fingerprinted")
	pf.String("log-env", def.LogEnv, "dev or prod logging")
	pf.String("log-level", def.LogLevel, "log level")
	pf.Duration("phase2-delay", def.Phase2Delay, "delay before expensive fingerprint signals")
	pf.Duration("audio-timeout", def.AudioTimeout, "audio signature deadline")
	pf.Duration("timeout", def.Timeout, "overall command deadline")
	pf.String("metrics-file", "", "write client metrics in Prometheus text format to this file on exit")
	pf.String("trace-file", "", "append gateway trace spans as JSON to this file")

	root.AddCommand(
		newLoginCmd(),
		newRegisterCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newGetCmd(),
		newFingerprintCmd(),
		newDemoCmd(),
		newHealthCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root, func() {
		if current != nil {
			current.close()
		}
	}
}

// execute runs one command line.
func execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	root, done := newRootCmd(out, errOut)
	defer done()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func appFrom(cmd *cobra.Command) *app {
	return cmd.Context().Value(appKey{}).(*app)
}

// withTimeout bounds a command by the configured deadline.
func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), appFrom(cmd).cfg.Timeout)
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("api url must be absolute")
	}
	return u, nil
}

// main runs the root command until done or interrupted.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
