// Command gridrepo inspects and maintains a job repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gridrepo/internal/config"
	"gridrepo/internal/logging"
	"gridrepo/internal/prompt"
	"gridrepo/internal/session"
)

var (
	// Global flags
	configPath string
	repoPath   string
	repoType   string
	logLevel   string

	// Set up by PersistentPreRunE
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "gridrepo",
	Short: "Inspect and maintain a grid job repository",
	Long: `gridrepo operates on the persistent object repository shared by
job management sessions.

Configuration is read from $GRIDREPO_CONFIG, ./gridrepo.yaml or the XDG
config directory; GRIDREPO_* environment variables and flags override it.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, _, err = config.LoadFromPath(configPath)
		if err == nil {
			err = cfg.ApplyEnv()
		}
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if repoType != "" {
		cfg.Repository.Type = repoType
	}
	if repoPath != "" {
		cfg.Repository.Path = repoPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err = logging.New(cfg.Logging, logging.WithConsole(cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: search path)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", "", "Repository path (directory or database file)")
	rootCmd.PersistentFlags().StringVar(&repoType, "type", "", "Repository type: local or sqlite")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openSession opens the configured repository. One-shot commands run
// without background tasks.
func openSession(cmd *cobra.Command, background bool) (*session.Session, error) {
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithPrompter(prompt.NewTerminal(cmd.InOrStdin(), cmd.ErrOrStderr())),
	}
	if !background {
		opts = append(opts, session.WithoutBackground())
	}
	s, err := session.Open(contextOf(cmd), cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", cfg.Repository.Path, err)
	}
	return s, nil
}

func closeSession(cmd *cobra.Command, s *session.Session, err *error) {
	if cerr := s.Close(context.WithoutCancel(contextOf(cmd))); cerr != nil && *err == nil {
		*err = cerr
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid object id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
