package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"taskmaster/lib/agent"
	"taskmaster/lib/ids"
	"taskmaster/lib/metrics"
	"taskmaster/lib/slog"
	"taskmaster/lib/worker"
)

var (
	rootDir         string
	opus            bool
	logLevel        string
	skipAgentCheck  bool
	agentExecutable string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskmaster-worker [host] [port]",
	Short: "Joins a taskmaster Master and runs tasks through a child agent subprocess",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root-dir", "", "working directory for the agent subprocess (default: current working directory)")
	rootCmd.PersistentFlags().BoolVar(&opus, "opus", false, "use the opus model instead of the default sonnet model")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&skipAgentCheck, "skip-agent-check", false, "skip the startup probe of the agent executable")
	rootCmd.PersistentFlags().StringVar(&agentExecutable, "agent-executable", "agent", "the agent executable to spawn")
}

// apiKeyEnvVar is the environment variable whose presence forces the
// worker to refuse to start, so the agent is left to authenticate
// interactively rather than picking up a stray credential.
const apiKeyEnvVar = "ANTHROPIC_API_KEY"

func runWorker(cmd *cobra.Command, args []string) error {
	if _, set := os.LookupEnv(apiKeyEnvVar); set {
		return fmt.Errorf("refusing to start: %s is set in the environment", apiKeyEnvVar)
	}

	host := "localhost"
	port := 34567
	if len(args) >= 1 {
		host = args[0]
	}
	if len(args) == 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		port = p
	}

	root := rootDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		root = wd
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	log := slog.New(os.Stdout, level)
	metrics.MustRegisterWorker()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !skipAgentCheck {
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer probeCancel()
		if err := agent.Probe(probeCtx, agentExecutable); err != nil {
			return fmt.Errorf("agent executable check failed (use --skip-agent-check to bypass): %w", err)
		}
	}

	conn, err := worker.DialMaster(ctx, host, port, worker.DefaultDialPolicy)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer conn.Close()

	workerID, err := localPortWorkerID(conn)
	if err != nil {
		return fmt.Errorf("determine worker-id: %w", err)
	}

	model := "sonnet"
	if opus {
		model = "opus"
	}
	sup, err := agent.Start(agent.Config{
		Executable: agentExecutable,
		WorkingDir: root,
		Model:      model,
	}, log, workerID)
	if err != nil {
		return fmt.Errorf("start agent supervisor: %w", err)
	}

	log.Info(&slog.LogRecord{Msg: "worker: joining master", WorkerID: &workerID})
	loop := worker.NewLoop(conn, workerID, log, sup)

	shutdownCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(shutdownCh)
	}()

	if err := loop.Run(shutdownCh); err != nil {
		log.Error(&slog.LogRecord{Msg: "worker: terminated abnormally", Error: err, WorkerID: &workerID})
		os.Exit(1)
	}
	log.Info(&slog.LogRecord{Msg: "worker: terminated normally", WorkerID: &workerID})
	return nil
}

// localPortWorkerID derives the worker-id from the local ephemeral port
// of conn, matching the reference worker's id scheme.
func localPortWorkerID(conn net.Conn) (ids.WorkerID, error) {
	_, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return ids.WorkerID(portStr), nil
}
