package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/config"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/orchestrator"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/planstate"
	"github.com/spf13/cobra"
)

// errReported marks failures whose details were already written as output.
var errReported = errors.New("failed")

type globalFlags struct {
	repo     string
	config   string
	logLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "planning-state: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "planning-state",
		Short: "Planning entity state and copy-on-write sessions over MCP",
		Long: `planning-state tracks the version and validation status of planning
entities (top, mid and leaf documents), invalidates descendants when a parent
changes, and isolates edits in copy-on-write sessions that are committed into
or cancelled from the shared tree.

Without a subcommand it serves MCP over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.repo, "repo", ".", "repository root path")
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "config file (default <repo>/"+config.FileName+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override: DEBUG|INFO|WARN|ERROR")

	root.AddCommand(
		newServeCommand(flags),
		newCallCommand(flags),
		newSyncCommand(flags),
		newConfigCommand(flags),
	)
	return root
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP (Content-Length framed JSON-RPC) over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func newCallCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [params]",
		Short: "Call one method and print the JSON-RPC response",
		Example: `  planning-state call workspace.init
  planning-state call entity.cascade_invalidate '{"entity_type":"mid","entity_id":"act-1","reason":"parent_top_modified"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := "{}"
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				params = args[1]
			}
			return runCall(cmd, flags, args[0], params)
		},
	}
}

func newSyncCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "sync <" + planstate.DirectionJSONToDB + "|" + planstate.DirectionDBToJSON + ">",
		Short:     "Reconcile the relational and JSON entity stores",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{planstate.DirectionJSONToDB, planstate.DirectionDBToJSON},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, flags, args[0])
		},
	}
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the planning-state configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.config
			if path == "" {
				path = filepath.Join(flags.repo, config.FileName)
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)
	return configCmd
}

// setup loads config and builds the logger shared by every command.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(config.LoadOptions{
		Repo:     flags.repo,
		File:     flags.config,
		LogLevel: flags.logLevel,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level: cfg.Log.Level,
		File:  cfg.LogPath(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, logger, closeLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics listener stopped", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	service, err := orchestrator.NewService(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer service.Close()

	logger.Info("mcp server started", "repo", cfg.Root, "state_dir", cfg.StatePath())
	return serveMCP(ctx, service, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
}

// runCall answers one method. The lock owner is the parent process so a
// session created here stays alive for the shell or agent that ran us.
func runCall(cmd *cobra.Command, flags *globalFlags, method, params string) error {
	cfg, logger, closeLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	service, err := orchestrator.NewService(ctx, cfg, orchestrator.WithLogger(logger), orchestrator.WithOwnerPID(os.Getppid()))
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer service.Close()

	return writeCallResponse(ctx, cmd.OutOrStdout(), service, method, json.RawMessage(params))
}

func writeCallResponse(ctx context.Context, output io.Writer, service methodHandler, method string, params json.RawMessage) error {
	if !json.Valid(params) {
		return fmt.Errorf("params must be a JSON object")
	}
	result, err := service.Handle(ctx, method, params)
	response := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      "once",
	}
	if err != nil {
		response.Error = &jsonRPCError{
			Code:    -32000,
			Message: err.Error(),
			Data:    map[string]any{"code": orchestrator.ErrorCode(err)},
		}
	} else {
		response.Result = result
	}

	encoded, marshalErr := json.MarshalIndent(response, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("failed to encode response: %w", marshalErr)
	}
	fmt.Fprintln(output, string(encoded))
	if err != nil {
		return errReported
	}
	return nil
}

func runSync(cmd *cobra.Command, flags *globalFlags, direction string) error {
	cfg, logger, closeLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	service, err := orchestrator.NewService(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer service.Close()

	result, err := service.Sync(ctx, direction)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sync result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	if !result.Success {
		return errReported
	}
	return nil
}
