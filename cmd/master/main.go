package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"taskmaster/lib/master"
	"taskmaster/lib/slog"
)

var (
	rootDir  string
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskmaster-master [port]",
	Short: "Runs the taskmaster scheduler that dispatches tasks to connected workers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMaster,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root-dir", "", "task directory root (default: current working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runMaster(cmd *cobra.Command, args []string) error {
	port := 34567
	if len(args) == 1 {
		parsed, err := parsePort(args[0])
		if err != nil {
			return err
		}
		port = parsed
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := master.Config{Port: port, RootDir: root}
	log.Info(&slog.LogRecord{Msg: "master: starting", Details: cfg})

	stats, err := master.Serve(ctx, cfg, log)
	if err != nil {
		log.Error(&slog.LogRecord{Msg: "master: terminated abnormally", Error: err})
		os.Exit(1)
	}
	log.Info(&slog.LogRecord{Msg: "master: terminated normally", Details: stats})
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
