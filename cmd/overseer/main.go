package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"overseer/internal/audit"
	"overseer/internal/checkpoint"
	"overseer/internal/config"
	"overseer/internal/driver"
	"overseer/internal/supervisor"
	"overseer/internal/validate"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		os.Exit(run(os.Args[2:]))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  overseer run --config <run.yaml> [--workdir <dir>] [--max-attempts <n>]")
}

func run(args []string) int {
	var configPath string
	var workDir string
	maxAttempts := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a path")
				return 2
			}
			configPath = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workdir requires a path")
				return 2
			}
			workDir = args[i]
		case "--max-attempts":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-attempts requires a number")
				return 2
			}
			if _, err := fmt.Sscanf(args[i], "%d", &maxAttempts); err != nil || maxAttempts < 1 {
				fmt.Fprintln(os.Stderr, "--max-attempts must be a positive integer")
				return 2
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			return 2
		}
	}
	if configPath == "" {
		usage()
		return 2
	}

	cfg, err := config.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if workDir == "" {
		workDir = cfg.Workspace.Path
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve workspace path: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := checkpoint.NewManager(workDir, checkpoint.WithExcludeGlobs(cfg.Checkpoint.ExcludeGlobs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	auditDir := cfg.Audit.Dir
	if auditDir == "" {
		auditDir = filepath.Join(workDir, ".overseer", "audit")
	}
	session := audit.NewSession(auditDir, cfg.Task.ID, os.Stderr)

	registry := validate.NewRegistry(os.Stderr)
	if cfg.Task.AgentKind != "" {
		// Default deliverable contract: at least one file under deliverables/.
		registry.Register(cfg.Task.AgentKind, validate.RequireGlobs("deliverables/**"))
	}

	svc := &driver.CLIService{Executable: cfg.Execution.Executable}
	if svc.Executable == "" {
		svc.Executable = "claude"
	}
	drv := driver.New(svc, os.Stdout)

	supCfg := supervisor.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Exec: driver.ExecConfig{
			ModelID:           cfg.Execution.Model,
			MaxTurns:          cfg.Execution.MaxTurns,
			PermissionMode:    cfg.Execution.PermissionMode,
			ToolServers:       cfg.Execution.ToolServers,
			Heartbeat:         cfg.Execution.Heartbeat,
			HeartbeatInterval: time.Duration(cfg.Execution.HeartbeatInterval) * time.Millisecond,
		},
	}
	if cfg.Retry.InitialDelayMS > 0 || cfg.Retry.BackoffFactor > 0 || cfg.Retry.MaxDelayMS > 0 || cfg.Retry.Jitter != nil {
		supCfg.Backoff = supervisor.BackoffConfig{
			InitialDelayMS: cfg.Retry.InitialDelayMS,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			MaxDelayMS:     cfg.Retry.MaxDelayMS,
			Jitter:         cfg.Retry.Jitter == nil || *cfg.Retry.Jitter,
		}
	}
	if maxAttempts > 0 {
		supCfg.MaxAttempts = maxAttempts
	}

	sup := supervisor.New(drv, manager, registry, session, supCfg, os.Stdout)

	task := supervisor.Task{
		ID:           cfg.Task.ID,
		Description:  cfg.Task.Description,
		Prompt:       cfg.Task.Prompt,
		AgentKind:    cfg.Task.AgentKind,
		WorkspaceDir: workDir,
	}

	result, err := sup.Run(ctx, task)
	if err != nil {
		var exhausted *supervisor.ExhaustedError
		if errors.As(err, &exhausted) {
			fmt.Fprintf(os.Stderr, "error: %v\n", exhausted)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		fmt.Fprintf(os.Stderr, "audit trail: %s\n", session.Path())
		return 1
	}

	fmt.Printf("task succeeded: %d turns, $%.4f, %.1fs\n",
		result.Turns, result.CostUSD, float64(result.DurationMS)/1000)
	fmt.Printf("audit trail: %s\n", session.Path())
	return 0
}
