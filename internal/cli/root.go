// Package cli implements the memrag CLI commands.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/config"
	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/store"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitFailure = 2
)

var (
	rootDir     string
	configPath  string
	logLevel    string
	logJSON     bool
	metricsFile string

	// started is set once flag and argument parsing succeeded.
	started  bool
	logger   = zap.NewNop()
	registry *prometheus.Registry
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memrag",
	Short: "Hierarchical memory store for retrieval-augmented generation",
	Long: "A tiered memory store (core, semantic, episodic, working) with vector search,\n" +
		"importance decay, compression and prompt context assembly. JSON in, JSON out.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		started = true
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "", "Store directory (default: $MEMRAG_ROOT or ~/.memrag)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: config log_level)")
	RootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs to stderr as JSON")
	RootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write prometheus metrics to this file on exit")

	RootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return memerr.Wrap(memerr.InvalidArgument, cmd.Name(), err)
	})
}

// Execute runs the root command, reports any error as JSON on stderr and
// returns the process exit code.
func Execute(ctx context.Context) int {
	err := RootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := ExitCode(err)
	kind := memerr.KindOf(err)
	if kind == "" {
		if code == ExitUsage {
			kind = memerr.InvalidArgument
		} else {
			kind = memerr.StorageFailed
		}
	}
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": err.Error()},
	})
	fmt.Fprintln(RootCmd.ErrOrStderr(), string(b))
	return code
}

// ExitCode maps err to 1 for caller mistakes and 2 for everything else.
// Errors raised before a command starts running come from argument parsing.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case memerr.IsUsage(err):
		return ExitUsage
	case !started && memerr.KindOf(err) == "":
		return ExitUsage
	}
	return ExitFailure
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, memerr.Wrap(memerr.InvalidArgument, "config", err)
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// openStore loads the configuration and opens the store. Pair every call
// with closeStore.
func openStore(cmd *cobra.Command, readOnly bool) (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l, err := logging.New(cfg.LogLevel, cmd.ErrOrStderr(), logJSON)
	if err != nil {
		return nil, memerr.Wrap(memerr.InvalidArgument, "config", err)
	}
	logger = l
	registry = prometheus.NewRegistry()

	s, err := store.Open(cmd.Context(), store.Options{
		Config:     cfg,
		Logger:     logger,
		Registerer: registry,
		ReadOnly:   readOnly,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// closeStore closes s, keeping the first error in errp, and writes the
// metrics file if one was requested.
func closeStore(s *store.Store, errp *error) {
	if cerr := s.Close(); cerr != nil && *errp == nil {
		*errp = cerr
	}
	if metricsFile != "" && registry != nil {
		if err := prometheus.WriteToTextfile(metricsFile, registry); err != nil {
			logger.Warn("could not write metrics file", zap.String("path", metricsFile), zap.Error(err))
		}
	}
	_ = logger.Sync()
}

func writeJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func usageErr(op, format string, args ...any) error {
	return memerr.New(memerr.InvalidArgument, op, format, args...)
}

// stdinPiped reports whether the command's input is a pipe or file rather
// than a terminal.
func stdinPiped(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok {
		return true
	}
	stat, err := f.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice == 0
}

// readStdin returns the piped input, or nil when stdin is a terminal.
func readStdin(cmd *cobra.Command) ([]byte, error) {
	if !stdinPiped(cmd) {
		return nil, nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return bytes.TrimSpace(b), nil
}

// decodeRequest fills req from raw when raw is a JSON object and reports
// whether it did.
func decodeRequest(op string, raw []byte, req any) (bool, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return false, usageErr(op, "invalid JSON request at offset %d: %v", syntax.Offset, err)
		}
		return false, usageErr(op, "invalid JSON request: %v", err)
	}
	return true, nil
}

// requestFromStdin decodes a JSON request from stdin when no positional
// arguments were given.
func requestFromStdin(cmd *cobra.Command, args []string, req any) error {
	if len(args) > 0 {
		return nil
	}
	raw, err := readStdin(cmd)
	if err != nil {
		return err
	}
	_, err = decodeRequest(cmd.Name(), raw, req)
	return err
}
