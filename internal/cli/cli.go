// ============================================================================
// Button-Agent CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，啟動代理程式或對執行中的代理程式下指令
//
// Command Structure:
//   button-agent                   # Root command
//   ├── run                        # 啟動代理程式（HTTP + gRPC + 背景循環）
//   ├── enqueue <task>...          # 觸發任務
//   ├── status [job-id]            # 查詢單一任務或列出任務紀錄
//   │   └── --status              # 依狀態篩選
//   ├── buttons                    # 列出已註冊的任務定義
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --addr                     # 代理程式的 gRPC 位址（enqueue/status/buttons）
//
// run Command:
//   1. 載入設定檔並設定日誌（stderr 文字格式，或 log.file 的 JSON 滾動檔）
//   2. 建立 Controller（Oracle / Redis / Metrics 視設定啟用）
//   3. Controller.Start：恢復 jobs.json 並啟動背景循環
//   4. 啟動 HTTP API 與 gRPC 服務
//   5. 收到 SIGINT / SIGTERM 後依序關閉：HTTP → gRPC → Controller
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/button-agent/internal/api"
	"github.com/ChuLiYu/button-agent/internal/controller"
	"github.com/ChuLiYu/button-agent/internal/metrics"
	"github.com/ChuLiYu/button-agent/internal/notify"
	"github.com/ChuLiYu/button-agent/internal/oracle"
	"github.com/ChuLiYu/button-agent/internal/server"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`

	TasksFile string `yaml:"tasks_file"`

	Data struct {
		JobsFile    string `yaml:"jobs_file"`
		DecisionLog string `yaml:"decision_log"`
	} `yaml:"data"`

	Dispatch struct {
		CommandTimeout time.Duration `yaml:"command_timeout"`
		MaxConcurrent  int           `yaml:"max_concurrent"`
		ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	} `yaml:"dispatch"`

	Scheduler struct {
		Tick time.Duration `yaml:"tick"`
	} `yaml:"scheduler"`

	Watcher struct {
		Tick           time.Duration `yaml:"tick"`
		SummaryLimit   int           `yaml:"summary_limit"`
		PersistMarkers bool          `yaml:"persist_markers"`
	} `yaml:"watcher"`

	Oracle struct {
		Endpoint string        `yaml:"endpoint"`
		TokenEnv string        `yaml:"token_env"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"oracle"`

	Context struct {
		Balance  float64 `yaml:"balance"`
		DailyPnL float64 `yaml:"daily_pnl"`
	} `yaml:"context"`

	Redis struct {
		Addr         string `yaml:"addr"`
		AlertChannel string `yaml:"alert_channel"`
		ProposalList string `yaml:"proposal_list"`
	} `yaml:"redis"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// defaultConfig 設定檔缺少的欄位沿用這些值
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.HTTPAddr = ":8000"
	cfg.Server.GRPCAddr = ":50051"
	cfg.TasksFile = "configs/tasks.yaml"
	cfg.Data.JobsFile = "data/jobs.json"
	cfg.Data.DecisionLog = "data/decisions.wal"
	cfg.Dispatch.CommandTimeout = 300 * time.Second
	cfg.Dispatch.MaxConcurrent = 16
	cfg.Dispatch.ShutdownGrace = 10 * time.Second
	cfg.Scheduler.Tick = 30 * time.Second
	cfg.Watcher.Tick = 10 * time.Second
	cfg.Watcher.SummaryLimit = 500
	cfg.Watcher.PersistMarkers = true
	cfg.Oracle.TokenEnv = "ORACLE_TOKEN"
	cfg.Oracle.Timeout = oracle.DefaultTimeout
	cfg.Context.Balance = 1200000
	cfg.Redis.AlertChannel = "button-agent:alerts"
	cfg.Redis.ProposalList = "button-agent:proposals"
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	return cfg
}

var (
	configFile string
	agentAddr  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "button-agent",
		Short: "Button-Agent: a crash-recoverable task runner with an AI decision loop",
		Long: `Button-Agent runs named tasks ("buttons") with:
- jobs.json persistence and restart recovery
- interval-based auto scheduling
- an oracle that decides what to do after every finished job
- HTTP, gRPC and Prometheus endpoints`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&agentAddr, "addr", "localhost:50051", "gRPC address of a running agent")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildButtonsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		Long:  "Start the agent with its HTTP API, gRPC service and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}
}

// runAgent 啟動所有服務並阻塞到 ctx 結束
func runAgent(ctx context.Context, cfg *Config) error {
	ctrl, gatherer, err := buildAgent(cfg)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcSrv := server.NewServer(ctrl)
	httpSrv := api.NewServer(cfg.Server.HTTPAddr, api.NewRouter(ctrl, gatherer))

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(lis) }()
	go func() { errCh <- httpSrv.ListenAndServe() }()

	slog.Info("agent started", "http", cfg.Server.HTTPAddr, "grpc", cfg.Server.GRPCAddr)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("server failed", "err", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownGrace+5*time.Second)
	defer cancel()

	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	grpcSrv.Shutdown(shutdownCtx)
	if err := ctrl.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if runErr != nil {
		errs = append(errs, runErr)
	}

	slog.Info("agent stopped")
	return errors.Join(errs...)
}

// buildAgent 依設定組裝 Controller；gatherer 在 metrics 關閉時為 nil
func buildAgent(cfg *Config) (*controller.Controller, prometheus.Gatherer, error) {
	deps := controller.Deps{}

	if cfg.Oracle.Endpoint != "" {
		token := ""
		if cfg.Oracle.TokenEnv != "" {
			token = os.Getenv(cfg.Oracle.TokenEnv)
		}
		deps.Oracle = oracle.NewHTTPOracle(cfg.Oracle.Endpoint, token, cfg.Oracle.Timeout)
		slog.Info("oracle enabled", "endpoint", cfg.Oracle.Endpoint)
	}

	if cfg.Redis.Addr != "" {
		client := notify.NewRedisClient(cfg.Redis.Addr)
		deps.Notifiers = append(deps.Notifiers, notify.NewRedisNotifier(client, cfg.Redis.AlertChannel, cfg.Redis.ProposalList))
		slog.Info("redis notifier enabled", "addr", cfg.Redis.Addr)
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.NewCollector(reg)
		gatherer = reg
	}

	ctrl, err := controller.NewController(controllerConfig(cfg), deps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, gatherer, nil
}

func controllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		TasksFile:      cfg.TasksFile,
		JobsFile:       cfg.Data.JobsFile,
		DecisionLog:    cfg.Data.DecisionLog,
		PersistMarkers: cfg.Watcher.PersistMarkers,
		CommandTimeout: cfg.Dispatch.CommandTimeout,
		MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
		ShutdownGrace:  cfg.Dispatch.ShutdownGrace,
		SchedulerTick:  cfg.Scheduler.Tick,
		WatcherTick:    cfg.Watcher.Tick,
		SummaryLimit:   cfg.Watcher.SummaryLimit,
		OracleTimeout:  cfg.Oracle.Timeout,
		Balance:        cfg.Context.Balance,
		DailyPnL:       cfg.Context.DailyPnL,
	}
}

// ============================================================================
// 遠端指令：enqueue / status / buttons
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <task>...",
		Short: "Run one or more tasks on a running agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *server.Client) error {
				var failed int
				for _, name := range args {
					id, err := client.RunTask(ctx, name)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, name)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d tasks failed to start", failed, len(args))
				}
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long:  "Show a single job as JSON, or list jobs optionally filtered with --status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *server.Client) error {
				if len(args) == 1 {
					job, err := client.GetJob(ctx, types.JobID(args[0]))
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(job)
				}

				jobs, err := client.ListJobs(ctx, types.JobStatus(strings.ToUpper(statusFilter)))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "JOB ID\tTASK\tSTATUS\tCREATED")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.TaskName, j.Status, j.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (PENDING, RUNNING, DONE, ERROR)")
	return cmd
}

func buildButtonsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "buttons",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *server.Client) error {
				defs, err := client.ListTasks(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tTYPE\tAUTO\tDESCRIPTION")
				for _, d := range defs {
					auto := "-"
					if d.Auto {
						auto = d.Interval().String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Kind, auto, d.Description)
				}
				return w.Flush()
			})
		},
	}
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *server.Client) error) error {
	conn, err := server.Dial(agentAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

// ============================================================================
// 設定與日誌
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging 設定預設 slog logger；log.file 有值時寫入 lumberjack 滾動檔
func setupLogging(cfg *Config) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		closer  io.Closer = nopCloser{}
	)
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(rotator, opts)
		closer = rotator
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}
