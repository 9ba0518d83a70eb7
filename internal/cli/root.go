package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/config"
	"github.com/roach88/briefsync/internal/hub/wsrpc"
	"github.com/roach88/briefsync/internal/replica"
	"github.com/roach88/briefsync/internal/store"
)

// DefaultConfigFile is read from the working directory when --config and
// BRIEFSYNC_CONFIG are both unset. It may be missing.
const DefaultConfigFile = "briefsync.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	HubURL     string
	Replica    string

	// Config is loaded before any subcommand runs, with HubURL and Replica
	// applied over it.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the briefsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "briefsync",
		Short: "briefsync - replica sync and graph transformation",
		Long: `Keep replica files of an infrastructure model in sync through a hub,
and transform one repository's element graph into another's.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogging(cmd, opts.Verbose)
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $BRIEFSYNC_CONFIG or ./"+DefaultConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.HubURL, "hub", "", "hub websocket url, overrides hub.url")
	cmd.PersistentFlags().StringVarP(&opts.Replica, "replica", "r", "", "replica file, overrides replica.path")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewLocksCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewTransformCommand(opts))
	cmd.AddCommand(NewHubCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func setupLogging(cmd *cobra.Command, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func (o *RootOptions) loadConfig() error {
	path, optional := o.ConfigPath, false
	if path == "" {
		path = os.Getenv("BRIEFSYNC_CONFIG")
	}
	if path == "" {
		path, optional = DefaultConfigFile, true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.HubURL != "" {
		cfg.Hub.URL = o.HubURL
	}
	if o.Replica != "" {
		cfg.Replica.Path = o.Replica
	}
	o.Config = cfg
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// session is an open replica with its hub connection.
type session struct {
	replica *replica.Replica
	hub     *wsrpc.Client
	sync    *replica.Synchronizer
}

func (s *session) Close() {
	if err := s.replica.Store().Close(); err != nil {
		slog.Error("error closing replica", "error", err)
	}
	if s.hub != nil {
		_ = s.hub.Close()
	}
}

func (o *RootOptions) dialHub(ctx context.Context) (*wsrpc.Client, error) {
	c, err := wsrpc.Dial(ctx, o.Config.Hub.URL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, o.Config.Hub.URL, fmt.Errorf("%w: %w", ErrHubUnavailable, err))
	}
	return c, nil
}

// openSession opens the configured replica, connects to the hub and applies
// the configured concurrency policy.
func (o *RootOptions) openSession(ctx context.Context) (*session, error) {
	path := o.Config.Replica.Path
	if path == "" {
		return nil, WrapExitError(ExitCommandError, "no replica", fmt.Errorf("%w: pass --replica or set replica.path", ErrUsage))
	}
	policy, err := o.Config.Policy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open replica "+path, err)
	}
	c, err := o.dialHub(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	control := concurrency.New(st, c)
	if err := control.SetPolicy(policy); err != nil {
		st.Close()
		c.Close()
		return nil, err
	}
	return &session{
		replica: replica.New(st, control),
		hub:     c,
		sync:    replica.NewSynchronizer(c),
	}, nil
}
