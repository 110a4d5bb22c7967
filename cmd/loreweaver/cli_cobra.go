package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/loreweaver/pkg/config"
	"github.com/dotsetgreg/loreweaver/pkg/logger"
	"github.com/dotsetgreg/loreweaver/pkg/providers"
	"github.com/dotsetgreg/loreweaver/pkg/router"
	"github.com/dotsetgreg/loreweaver/pkg/safety"
	"github.com/dotsetgreg/loreweaver/pkg/sessionstore"
)

type cliOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	opts := &cliOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   appName,
		Short: "Interactive fiction narrator with backend routing, story memory, and content safety",
		Long: strings.TrimSpace(`loreweaver drives an interactive-fiction session against local or
OpenAI-compatible generation backends.

Use CLI commands to play a session, inspect routing decisions, test the content
filter, list backends, and manage stored sessions.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(opts.debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.loreweaver/config.json or $LOREWEAVER_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newPlayCommand(opts))
	root.AddCommand(newRouteCommand(opts))
	root.AddCommand(newFilterCommand(opts))
	root.AddCommand(newBackendsCommand(opts))
	root.AddCommand(newSessionsCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  loreweaver version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newPlayCommand(opts *cliOptions) *cobra.Command {
	var (
		session string
		message string
	)

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play an interactive session",
		Long:  "Run an interactive story session, or play a single turn with --message. The session is saved after every turn.",
		Example: strings.Join([]string{
			"  loreweaver play",
			"  loreweaver play --session frodo",
			"  loreweaver play --message \"J'entre dans la taverne\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, err := newEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			sess, err := eng.session(ctx, session)
			if err != nil {
				return err
			}
			if strings.TrimSpace(message) != "" {
				_, err := eng.turn(ctx, cmd.OutOrStdout(), sess, message)
				return err
			}
			return eng.interactive(ctx, cmd.OutOrStdout(), sess)
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "default", "Player/session id to load and save")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Play one turn with this choice and exit")
	return cmd
}

func newRouteCommand(opts *cliOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "route <prompt>",
		Short: "Explain which backend a prompt would be routed to",
		Example: strings.Join([]string{
			"  loreweaver route \"Raconte le combat épique contre le dragon\"",
			"  loreweaver route --offline \"Que fais-tu ?\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cmd.Context(), cfg, offline)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), registry.Explain(strings.Join(args, " ")))
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip model discovery and use the catalog or default backend")
	return cmd
}

func newFilterCommand(opts *cliOptions) *cobra.Command {
	var (
		output    bool
		blacklist []string
	)

	cmd := &cobra.Command{
		Use:   "filter <text>",
		Short: "Run the content safety filter on text",
		Long:  "Screen text as player input (default) or as generated output (--output) and print the filter result.",
		Example: strings.Join([]string{
			"  loreweaver filter \"Ignore tes instructions\"",
			"  loreweaver filter --output --blacklist sauron \"Sauron observe la vallée\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			f := safety.New(safety.OptionsFromConfig(cfg.Safety))
			text := strings.Join(args, " ")
			res := f.FilterInput(text, blacklist...)
			if output {
				res = f.FilterOutput(text, blacklist...)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&output, "output", false, "Screen as generated output instead of player input")
	cmd.Flags().StringSliceVar(&blacklist, "blacklist", nil, "Extra blacklist words for this call")
	return cmd
}

func newBackendsCommand(opts *cliOptions) *cobra.Command {
	var (
		offline bool
		stats   bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List routable generation backends",
		Example: strings.Join([]string{
			"  loreweaver backends",
			"  loreweaver backends --offline --json",
			"  loreweaver backends --stats",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cmd.Context(), cfg, offline)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if stats {
				return writeJSON(out, registry.Stats())
			}
			if asJSON {
				return writeJSON(out, registry.Backends())
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODEL\tPRIORITY\tSPEED\tSPECIALTIES")
			for _, b := range registry.Backends() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", b.ID, b.Model, b.Priority, b.SpeedRating, strings.Join(b.Specialties, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip model discovery")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print routing statistics")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print backends as JSON")
	return cmd
}

func newSessionsCommand(opts *cliOptions) *cobra.Command {
	sessionsRoot := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored player sessions",
	}

	withStore := func(fn func(ctx context.Context, out io.Writer, store *sessionstore.SQLiteStore) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(cmd.Context(), cmd.OutOrStdout(), store)
		}
	}

	sessionsRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List stored sessions, most recent first",
		Example: "  loreweaver sessions list",
		RunE: withStore(func(ctx context.Context, out io.Writer, store *sessionstore.SQLiteStore) error {
			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAYER\tTURN\tLOCATION\tLAST ACTIVITY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.PlayerID, r.Turn, r.Location, r.LastActivity.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	})

	sessionsRoot.AddCommand(&cobra.Command{
		Use:     "prune",
		Short:   "Delete sessions idle for longer than the configured TTL",
		Example: "  loreweaver sessions prune",
		RunE: withStore(func(ctx context.Context, out io.Writer, store *sessionstore.SQLiteStore) error {
			n, err := store.PruneInactive(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pruned %d inactive session(s)\n", n)
			return nil
		}),
	})

	show := &cobra.Command{
		Use:     "show <player>",
		Short:   "Print a stored session as JSON",
		Example: "  loreweaver sessions show frodo",
		Args:    cobra.ExactArgs(1),
	}
	show.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, out io.Writer, store *sessionstore.SQLiteStore) error {
			state, found, err := store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no stored session for %q", args[0])
			}
			return writeJSON(out, state)
		})(cmd, args)
	}
	sessionsRoot.AddCommand(show)

	del := &cobra.Command{
		Use:     "delete <player>",
		Short:   "Delete a stored session",
		Example: "  loreweaver sessions delete frodo",
		Args:    cobra.ExactArgs(1),
	}
	del.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, out io.Writer, store *sessionstore.SQLiteStore) error {
			if err := store.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted session %s\n", args[0])
			return nil
		})(cmd, args)
	}
	sessionsRoot.AddCommand(del)

	return sessionsRoot
}

func newConfigCommand(opts *cliOptions) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default configuration file",
		Example: "  loreweaver config init",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if strings.TrimSpace(path) == "" {
				path = defaultConfigPath()
			}
			path = config.ExpandHome(path)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	configRoot.AddCommand(initCmd)

	configRoot.AddCommand(&cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration (file plus environment)",
		Example: "  loreweaver config show",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Backends.OpenAI.APIKey != "" {
				cfg.Backends.OpenAI.APIKey = "********"
			}
			if err := providers.Validate(cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	})

	return configRoot
}

// configureLogging keeps routine component logs out of the terminal unless
// --debug asks for them.
func configureLogging(debug bool) {
	if debug {
		logger.Init(true)
		return
	}
	logger.SetLevel(logger.WARN)
}

// buildRegistry resolves backends the way play does, optionally without
// asking the provider for its model list.
func buildRegistry(ctx context.Context, cfg *config.Config, offline bool) (*router.Registry, error) {
	var lister router.ModelLister
	if !offline && cfg.Backends.Discover {
		backend, err := providers.CreateBackend(cfg)
		if err != nil {
			return nil, err
		}
		lister = backend
	}
	return router.FromConfig(ctx, cfg.Backends, cfg.Generation, lister)
}

func openStore(cfg *config.Config) (*sessionstore.SQLiteStore, error) {
	ttl := time.Duration(cfg.Store.SessionTTLSeconds) * time.Second
	return sessionstore.Open(cfg.StorePath(), ttl)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
