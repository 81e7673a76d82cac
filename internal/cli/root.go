// Package cli provides the command-line interface for promoter.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/relicta-tech/promoter/internal/config"
	"github.com/relicta-tech/promoter/internal/container"
)

// Config requirements of a command, set as the "config" annotation.
const (
	configAnnotation = "config"
	configNone       = "none"
	configLoad       = "load"
)

var (
	// Version information set by main.
	versionInfo struct {
		Version string
		Commit  string
		Date    string
	}

	// Global flags
	cfgFile      string
	verbose      bool
	outputFormat string
	noColor      bool
	logLevel     string

	// Global config
	cfg *config.Config

	// Logger
	logger *log.Logger

	// logFile holds the log file handle for cleanup
	logFile *os.File

	// containerOptions are passed to every container the CLI builds.
	containerOptions []container.Option

	// Styles
	styles = struct {
		Title   lipgloss.Style
		Success lipgloss.Style
		Error   lipgloss.Style
		Warning lipgloss.Style
		Info    lipgloss.Style
		Subtle  lipgloss.Style
		Bold    lipgloss.Style
	}{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		Subtle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Bold:    lipgloss.NewStyle().Bold(true),
	}
)

// SetVersionInfo sets the version information from main.
func SetVersionInfo(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "promoter",
		Short: "Promote upstream releases across deployment targets",
		Long: `promoter detects new upstream releases and promotes them through a
non-production stage, an approval gate and production using blue-green
cutovers.

Every (application, target) pair is recorded in a version ledger, so a
release is deployed at most once per pair and never rolled backwards.

Get started with 'promoter check' to see whether a new release is waiting.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Annotations[configAnnotation] {
			case configNone:
				return nil
			case configLoad:
				return initConfig(false)
			default:
				return initConfig(true)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: promoter.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.StringVarP(&outputFormat, "output", "o", "", "output format (text, json)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newCheckCmd(),
		newPlanCmd(),
		newLedgerCmd(),
		newServeCmd(),
		newDecisionCmd(decisionApprove),
		newDecisionCmd(decisionReject),
		newDecisionCmd(decisionCancel),
		newPendingCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with a context for graceful shutdown.
func ExecuteContext(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func init() {
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})
}

// initConfig loads the configuration, configures logging and, when
// validate is set, rejects invalid configuration.
func initConfig(validate bool) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.WithConfigPath(cfgFile)
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyGlobalFlags()
	configureLoggerFormat()
	configureLogLevel()
	if err := configureLogFile(); err != nil {
		return err
	}
	slog.SetDefault(slog.New(logger))

	if !validate {
		return nil
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyGlobalFlags applies global CLI flags to the configuration.
func applyGlobalFlags() {
	if outputFormat != "" {
		cfg.Output.Format = outputFormat
	}
	if logLevel != "" {
		cfg.Output.LogLevel = logLevel
	}
	if noColor {
		cfg.Output.Color = false
	}
	if !cfg.Output.Color {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// configureLoggerFormat configures the logger format based on settings.
func configureLoggerFormat() {
	if isJSONOutput() {
		logger.SetFormatter(log.JSONFormatter)
		logger.SetReportTimestamp(true)
		return
	}
	logger.SetFormatter(log.TextFormatter)
}

// configureLogLevel sets the logger level based on configuration.
func configureLogLevel() {
	switch cfg.Output.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
}

// configureLogFile sets up log file output if specified.
func configureLogFile() error {
	if cfg.Output.LogFile == "" {
		return nil
	}
	Cleanup()

	var err error
	logFile, err = os.OpenFile(cfg.Output.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(logFile)
	return nil
}

// Cleanup closes any open resources. Should be called before program exit.
func Cleanup() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// newContainer builds the service graph for the loaded configuration.
func newContainer(ctx context.Context, opts ...container.Option) (*container.Container, error) {
	all := append(append([]container.Option(nil), containerOptions...), opts...)
	c, err := container.NewInitialized(ctx, cfg, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return c, nil
}

func closeContainer(c *container.Container) {
	if err := c.Close(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

func isJSONOutput() bool {
	return cfg != nil && cfg.Output.Format == "json"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{configAnnotation: configNone},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "promoter %s\n", versionInfo.Version)
			if verbose {
				fmt.Fprintf(out, "  commit: %s\n", versionInfo.Commit)
				fmt.Fprintf(out, "  built:  %s\n", versionInfo.Date)
			}
		},
	}
}

// Helper functions for output

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Success.Render("✓ "+msg))
}

func printError(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Error.Render("✗ "+msg))
}

func printWarning(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Warning.Render("⚠ "+msg))
}

func printInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Info.Render("ℹ "+msg))
}

func printTitle(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Title.Render(msg))
}

func printSubtle(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Subtle.Render(msg))
}

// currentUser names the operator for audit fields.
func currentUser() string {
	for _, env := range []string{"PROMOTER_USER", "USER", "USERNAME", "GITHUB_ACTOR"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "unknown"
}
