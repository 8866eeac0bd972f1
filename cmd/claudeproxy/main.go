package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"claudeproxy/cmd/claudeproxy/daemon"
	"claudeproxy/internal/engine"
	"claudeproxy/internal/gateway"
	"claudeproxy/internal/infra/config"
	"claudeproxy/internal/infra/logger"
	"claudeproxy/internal/infra/tracer"
	"claudeproxy/internal/probe"
	"claudeproxy/internal/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'claudeproxy --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`claudeproxy - OpenAI-compatible HTTP proxy for a local coding agent CLI

USAGE:
    claudeproxy [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the proxy server (default when no command is given)
    daemon      Manage claudeproxy as a system service
                Subcommands: install, uninstall, status
    doctor      Check the agent binary and configuration

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ~/.config/claudeproxy/config.yaml)

CONFIGURATION:
    Environment overrides: CLAUDE_BIN, CLAUDE_MODEL_NAME, CLAUDE_MAX_TURNS,
    CLAUDE_TIMEOUT, CLAUDE_PROXY_TOKEN, PROXY_ADDR

EXAMPLES:
    claudeproxy                         # serve with default config
    claudeproxy serve --config /etc/claudeproxy.yaml
    claudeproxy daemon install          # install as system service
    claudeproxy doctor                  # check agent binary health`)
}

func loadConfig(args []string, name string) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return config.Load(*configPath)
}

func runServe(args []string) error {
	cfg, err := loadConfig(args, "serve")
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	var auditor engine.Auditor
	if cfg.Audit.Enabled {
		audit, err := store.OpenAuditLog(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer audit.Close()
		auditor = audit
		log.Info("audit log enabled", "path", cfg.Audit.Path)
	}

	runner := &engine.Runner{
		Binary: cfg.Agent.Binary,
		Extra:  cfg.Agent.Env,
		Grace:  cfg.Agent.Grace,
		Logger: log,
	}
	eng := engine.New(cfg.Agent, runner, log, auditor)

	var monitor *probe.Monitor
	if cfg.Probe.Enabled {
		monitor, err = probe.NewMonitor(cfg.Agent.Binary, cfg.Probe.Schedule, log)
		if err != nil {
			return fmt.Errorf("probe schedule: %w", err)
		}
		monitor.Start()
		defer monitor.Stop()
	}

	metrics := &gateway.Metrics{}
	handler := gateway.NewHandler(eng, log, metrics)

	var health gateway.HealthReporter
	if monitor != nil {
		health = monitor
	}
	status := gateway.NewStatusHandler(metrics, health, cfg.Agent.Model)

	server := gateway.NewServer(cfg.Server, handler, status, log)
	log.Info("starting proxy",
		"addr", cfg.Server.Addr,
		"model", cfg.Agent.Model,
		"binary", cfg.Agent.Binary,
		"auth", cfg.Server.Token != "")
	return server.Run(ctx)
}

func runDaemon(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: claudeproxy daemon install|uninstall|status")
	}

	cfg := daemon.DefaultConfig()
	switch args[0] {
	case "install":
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Printf("installed %s as a system service\n", cfg.Name)
		return nil
	case "uninstall":
		if err := daemon.Uninstall(cfg.Name); err != nil {
			return err
		}
		fmt.Printf("uninstalled %s\n", cfg.Name)
		return nil
	case "status":
		status, err := daemon.Status(cfg.Name)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("%s is running (pid %d)\n", cfg.Name, status.PID)
		} else {
			fmt.Printf("%s is not running\n", cfg.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon subcommand: %s", args[0])
	}
}

func runDoctor(args []string) error {
	cfg, err := loadConfig(args, "doctor")
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return err
	}
	fmt.Println("✓ config loads and validates")

	path, err := exec.LookPath(cfg.Agent.Binary)
	if err != nil {
		fmt.Printf("✗ agent binary %q not found: %v\n", cfg.Agent.Binary, err)
		return err
	}
	fmt.Printf("✓ agent binary found at %s\n", path)

	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		fmt.Printf("✗ agent binary does not respond to --version: %v\n", err)
		return err
	}
	fmt.Printf("✓ agent version: %s\n", strings.TrimSpace(string(out)))

	if cfg.Server.Token == "" {
		fmt.Println("! no auth token configured; the proxy accepts unauthenticated requests")
	} else {
		fmt.Println("✓ bearer token auth enabled")
	}
	fmt.Printf("✓ will listen on %s as model %q\n", cfg.Server.Addr, cfg.Agent.Model)
	return nil
}
