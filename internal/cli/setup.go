package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cadans/hrledger/internal/config"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
)

// Error codes for JSON output.
const (
	ErrCodeGeneric  = "E000"
	ErrCodeDatabase = "E001"
	ErrCodePolicy   = "E002"
	ErrCodeNotFound = "E003"
	ErrCodeSync     = "E004"
	ErrCodeVerify   = "E005"
)

// loadConfig resolves the runtime configuration, with command-line flags
// taking precedence over the environment.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	if opts.Policy != "" {
		cfg.PolicyPath = opts.Policy
	}
	if opts.Verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// openEnvironment opens the ledger database and resolves the policy.
// The caller owns closing the returned store.
func openEnvironment(opts *RootOptions) (*store.Store, *policy.Policy, *config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	p := policy.Default()
	if cfg.PolicyPath != "" {
		p, err = policy.LoadDir(cfg.PolicyPath)
		if err != nil {
			return nil, nil, nil, WrapExitError(ExitCommandError, "failed to load policy", err)
		}
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("failed to open database %s", cfg.DatabasePath), err)
	}
	return st, p, cfg, nil
}

// setupLogging installs the process-wide slog handler.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}
