package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/button-agent/internal/controller"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"gopkg.in/yaml.v3"
)

// demoTasks 示範用的任務定義，第一次執行時寫入 data/demo/tasks.yaml
var demoTasks = map[string]any{
	"tasks": map[string]any{
		"slow_report": map[string]any{
			"type":        "shell",
			"command":     "sleep 30 && echo report ready",
			"description": "30 秒的長任務，用來示範中斷",
		},
		"scan_market": map[string]any{
			"type":        "operation",
			"module":      "market:scan",
			"description": "市場指數掃描",
		},
	},
	"risk_limits": map[string]any{"max_loss_per_day": 20000},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	dir := filepath.Join("data", "demo")
	if err := prepare(dir); err != nil {
		log.Fatalf("Failed to prepare demo dir: %v", err)
	}

	ctrl, err := controller.NewController(controller.Config{
		TasksFile:      filepath.Join(dir, "tasks.yaml"),
		JobsFile:       filepath.Join(dir, "jobs.json"),
		DecisionLog:    filepath.Join(dir, "decisions.wal"),
		PersistMarkers: true,
		MaxConcurrent:  8,
		SchedulerTick:  time.Hour,
		WatcherTick:    time.Second,
	}, controller.Deps{})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx := context.Background()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		for i := 0; i < 3; i++ {
			if _, err := ctrl.RunTask(ctx, "slow_report"); err != nil {
				log.Fatalf("Failed to run slow_report: %v", err)
			}
		}
		for i := 0; i < 2; i++ {
			if _, err := ctrl.RunTask(ctx, "scan_market"); err != nil {
				log.Fatalf("Failed to run scan_market: %v", err)
			}
		}
		time.Sleep(time.Second)
		printStats("Status before crash", ctrl)

		// 不呼叫 Stop，直接結束行程以模擬崩潰
		fmt.Printf("\n💥 Simulating crash with jobs still RUNNING...\n")
		fmt.Printf("💡 Run 'go run ./cmd/demo recover' to see restart recovery\n")
		os.Exit(2)

	case "recover":
		printStats("Status after recovery", ctrl)

		interrupted := 0
		for _, job := range ctrl.ListJobs(types.StatusError) {
			if job.Error == controller.InterruptedMessage {
				interrupted++
				fmt.Printf("  %s (%s): %s\n", job.ID, job.TaskName, job.Error)
			}
		}
		fmt.Printf("\n✓ %d interrupted jobs were closed out as ERROR\n", interrupted)
		fmt.Printf("  Press Ctrl+C to stop\n")

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Printf("stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}

func prepare(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, "tasks.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(demoTasks)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func printStats(title string, ctrl *controller.Controller) {
	st := ctrl.Status()
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending: %d\n", st.Jobs[types.StatusPending])
	fmt.Printf("  Running: %d\n", st.Jobs[types.StatusRunning])
	fmt.Printf("  Done:    %d\n", st.Jobs[types.StatusDone])
	fmt.Printf("  Error:   %d\n", st.Jobs[types.StatusError])
}
