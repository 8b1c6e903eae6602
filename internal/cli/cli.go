// ============================================================================
// ML Worker Pool - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the worker pool supervisor
//
// Command Structure:
//   mlpool                         # Root command
//   ├── run                        # Start the supervisor (blocks on stdio)
//   │   └── --config, -c          # Optional YAML config file
//   │   └── --workers             # Worker processes per kind
//   │   └── --worker-type         # Comma-separated kinds (stt,tts,...)
//   │   └── --queue-capacity      # Inbound queue capacity per pool
//   │   └── --restart-backoff-max # Ceiling on restart backoff delay
//   │   └── --metrics-addr        # Serve /metrics on this address
//   ├── submit                     # One-shot smoke-test submission
//   │   └── --worker-type, --data, --timeout
//   └── status                     # Print resolved configuration
//
// Configuration Management:
//   Uses YAML format config file (default: none, flags only).
//   Configuration items include:
//   - workers: worker counts, kinds, and queue tuning
//   - metrics: Prometheus exporter settings
//
// run Command:
//   Starts one Pool per configured worker kind and a Supervisor serving
//   the control protocol on stdin/stdout:
//   1. Load config file (if given) and fill unset fields from flags
//   2. Start the metrics HTTP server (if enabled)
//   3. Build and start a Pool per worker kind
//   4. Serve the control loop until EOF, shutdown request, or signal
//   5. Shut down every pool before exiting
//
//   Examples:
//     ./mlpool run --workers 2 --worker-type stt,tts
//     ./mlpool run -c configs/default.yaml
//
// submit Command:
//   Spawns a throwaway supervisor subprocess, submits one task, prints its
//   result, and shuts the subprocess down. Useful for smoke-testing a
//   handler without wiring a real dispatcher.
//
//   Examples:
//     ./mlpool submit --worker-type vllm --data '{"prompt":"hello"}'
//
// status Command:
//   Display resolved configuration and the set of known worker kinds.
//
// Signal Handling:
//   run captures SIGINT and SIGTERM and feeds them to the supervisor's
//   control loop, which shuts every pool down before exiting. Results
//   still queued at that point are not written out.
// ============================================================================

package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ml-worker-pool/internal/metrics"
	"github.com/ChuLiYu/ml-worker-pool/internal/pool"
	"github.com/ChuLiYu/ml-worker-pool/internal/supervisor"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

var log = slog.Default()

// Config is the resolved shape of a YAML config file. A value the file
// sets takes precedence over the matching flag; flag values (defaults
// included) only fill the fields the file leaves at zero, so an explicitly
// given flag does not override a value set in the file. --metrics-addr is
// the exception: when non-empty it replaces the file's metrics settings.
type Config struct {
	Workers struct {
		Count               int      `yaml:"count"`
		Types               []string `yaml:"types"`
		QueueCapacity       int      `yaml:"queue_capacity"`
		RestartBackoffMaxMs int      `yaml:"restart_backoff_max_ms"`
	} `yaml:"workers"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the mlpool root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mlpool",
		Short: "mlpool: a multi-process ML worker pool supervisor",
		Long: `mlpool supervises a fleet of single-purpose worker processes
(speech-to-text, text-to-speech, language-model inference, voice cloning)
behind a newline-delimited JSON control protocol on stdin/stdout.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML config file")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var workers int
	var workerTypes string
	var queueCapacity int
	var restartBackoffMax time.Duration
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool supervisor",
		Long:  "Spawn worker processes for each configured kind and serve the control protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(workers, workerTypes, queueCapacity, restartBackoffMax, metricsAddr)
			if err != nil {
				return err
			}
			return runSupervisor(cfg)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 2, "number of worker processes per kind")
	cmd.Flags().StringVar(&workerTypes, "worker-type", "stt", "comma-separated worker kinds to serve (stt,tts,hf_tts,vllm,clone)")
	cmd.Flags().IntVar(&queueCapacity, "queue-capacity", pool.DefaultQueueCapacity, "inbound queue capacity per pool")
	cmd.Flags().DurationVar(&restartBackoffMax, "restart-backoff-max", pool.DefaultRestartBackoffCeil, "ceiling on a worker slot's restart backoff delay")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address (disabled if empty)")

	return cmd
}

func resolveConfig(workers int, workerTypes string, queueCapacity int, restartBackoffMax time.Duration, metricsAddr string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		loaded, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = workers
	}
	if len(cfg.Workers.Types) == 0 {
		cfg.Workers.Types = splitWorkerTypes(workerTypes)
	}
	if cfg.Workers.QueueCapacity == 0 {
		cfg.Workers.QueueCapacity = queueCapacity
	}
	if cfg.Workers.RestartBackoffMaxMs == 0 {
		cfg.Workers.RestartBackoffMaxMs = int(restartBackoffMax.Milliseconds())
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}

	for _, t := range cfg.Workers.Types {
		if !types.WorkerKind(t).Valid() {
			return nil, fmt.Errorf("unknown worker kind %q", t)
		}
	}

	return cfg, nil
}

func splitWorkerTypes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runSupervisor(cfg *Config) error {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Info("starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	pools := make(map[types.WorkerKind]*pool.Pool, len(cfg.Workers.Types))
	order := make([]types.WorkerKind, 0, len(cfg.Workers.Types))

	for _, t := range cfg.Workers.Types {
		kind := types.WorkerKind(t)
		p := pool.New(pool.Config{
			Kind:                  kind,
			NumWorkers:            cfg.Workers.Count,
			QueueCapacity:         cfg.Workers.QueueCapacity,
			RestartBackoffCeiling: time.Duration(cfg.Workers.RestartBackoffMaxMs) * time.Millisecond,
			Metrics:               collector,
		})
		pools[kind] = p
		order = append(order, kind)
	}

	sup := supervisor.New(pools, order, os.Stdin, os.Stdout)
	if err := sup.Start(); err != nil {
		return fmt.Errorf("start pools: %w", err)
	}
	sup.EmitReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("mlpool supervisor ready", "worker_types", cfg.Workers.Types, "workers_per_kind", cfg.Workers.Count)
	return sup.Run(sigCh)
}

func buildSubmitCommand() *cobra.Command {
	var workerType string
	var data string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one task to a throwaway supervisor and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitOneTask(workerType, data, timeout)
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "vllm", "worker kind to dispatch the task to")
	cmd.Flags().StringVar(&data, "data", "{}", "JSON payload for the task")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for a result")

	return cmd
}

// submitOneTask spawns `mlpool run --workers 1 --worker-type <kind>` as a
// child, speaks the control protocol over its stdio, and tears it down.
// It exercises the exact same protocol a real dispatcher would use.
func submitOneTask(workerType, data string, timeout time.Duration) error {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("parse --data as JSON: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	cmd := exec.Command(exe, "run", "--workers", "1", "--worker-type", workerType)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open child stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start supervisor subprocess: %w", err)
	}
	defer cmd.Wait()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	readLine := func() (map[string]interface{}, error) {
		if !scanner.Scan() {
			return nil, fmt.Errorf("supervisor subprocess closed its output: %w", scanner.Err())
		}
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("decode supervisor line: %w", err)
		}
		return m, nil
	}

	if _, err := readLine(); err != nil {
		return fmt.Errorf("waiting for ready message: %w", err)
	}

	submitLine, _ := json.Marshal(map[string]interface{}{
		"type": "submit_task",
		"data": payload,
	})
	fmt.Fprintln(stdin, string(submitLine))

	if _, err := readLine(); err != nil {
		return fmt.Errorf("waiting for task_submitted: %w", err)
	}

	getResultLine, _ := json.Marshal(map[string]interface{}{
		"type":    "get_result",
		"timeout": timeout.Seconds(),
	})
	fmt.Fprintln(stdin, string(getResultLine))

	result, err := readLine()
	if err != nil {
		return fmt.Errorf("waiting for task_result: %w", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	shutdownLine, _ := json.Marshal(map[string]interface{}{"type": "shutdown"})
	fmt.Fprintln(stdin, string(shutdownLine))
	stdin.Close()

	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status: resolved configuration and known worker kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	fmt.Println("mlpool status")
	fmt.Println("=============")
	fmt.Println()

	if configFile != "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("config file:      %s\n", configFile)
		fmt.Printf("worker count:     %d\n", cfg.Workers.Count)
		fmt.Printf("worker types:     %s\n", strings.Join(cfg.Workers.Types, ", "))
		fmt.Printf("queue capacity:   %d\n", cfg.Workers.QueueCapacity)
		fmt.Printf("metrics enabled:  %v\n", cfg.Metrics.Enabled)
		if cfg.Metrics.Enabled {
			fmt.Printf("metrics addr:     %s\n", cfg.Metrics.Addr)
		}
	} else {
		fmt.Println("config file:      (none, flags only)")
	}

	fmt.Println()
	fmt.Println("known worker kinds:")
	for _, k := range types.Kinds() {
		fmt.Printf("  - %s\n", k)
	}

	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	return &cfg, nil
}
