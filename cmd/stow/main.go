package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/engine"
	"github.com/pders01/stow/internal/tui"
)

// Version is the version of the application, set at build time
var Version = "dev"

// app carries the state shared by every command of one invocation.
type app struct {
	configPath string
	dataDir    string
	quiet      bool
	debug      bool

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           tui.AppName,
		Short:         "Keep web pages and their images available offline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "generate" || cmd.Name() == "version" {
				return nil
			}
			return a.loadConfig()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = debuglog.Close()
		},
	}
	root.SetVersionTemplate("stow {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to configuration file")
	flags.StringVar(&a.dataDir, "data-dir", "", "directory for the database, cache and index (overrides config)")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "skip the startup banner")
	flags.BoolVar(&a.debug, "debug", false, "log at debug level")

	root.AddCommand(
		newSaveCmd(a),
		newRemoveCmd(a),
		newClearCmd(a),
		newListCmd(a),
		newSyncCmd(a),
		newServeCmd(a),
		newSearchCmd(a),
		newImportCmd(a),
		newStatusCmd(a),
		newOpenCmd(a),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.dataDir != "" {
		cfg.Storage.Path = filepath.Join(a.dataDir, "stow.db")
		cfg.Storage.CacheDir = filepath.Join(a.dataDir, "cache")
		cfg.Storage.SearchIndex = filepath.Join(a.dataDir, "index.bleve")
	}
	level := debuglog.ParseLogLevel(cfg.Log.Level)
	if a.debug {
		level = debuglog.LevelDebug
	}
	if err := debuglog.Setup(level, cfg.Log.File); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	a.cfg = cfg
	return nil
}

// withEngine opens the engine for the duration of fn.
func (a *app) withEngine(fn func(*engine.Engine) error) (err error) {
	e, err := engine.Open(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(e)
}

func (a *app) theme() tui.Theme {
	return tui.NewTheme(a.cfg.UI.Colors)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stow %s\n", Version)
			fmt.Fprintln(out, "Offline content sync")
			fmt.Fprintln(out, "github.com/pders01/stow")
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var path string
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return fmt.Errorf("generating config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
			return nil
		},
	}
	gen.Flags().StringVar(&path, "path", "", "where to write the file (default ~/.config/stow/config.toml)")
	cmd.AddCommand(gen)
	return cmd
}
