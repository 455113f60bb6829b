package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/connector"
	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/home"
	"github.com/jackzampolin/broadsheet/internal/indexer"
	"github.com/jackzampolin/broadsheet/internal/ocr"
	"github.com/jackzampolin/broadsheet/internal/pipeline"
	"github.com/jackzampolin/broadsheet/internal/queue"
)

const pidFileName = "broadsheet.pid"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control the background processing service",
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the processing service in the foreground",
	Long: `Start the pipeline workers and scheduler. The process runs until
interrupted. While running, SIGUSR1 pauses task leasing and SIGUSR2 resumes
it; the pause and resume subcommands send those signals.

Examples:
  broadsheet service start
  broadsheet service start &`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		cfg := svcs.Config.Get()
		engine, err := buildEngine(cfg.OCR.Engine)
		if err != nil {
			return err
		}

		svc := pipeline.New(svcs.Queue, pipeline.Config{
			Workers:      cfg.Queue.MaxConcurrent,
			PollInterval: time.Duration(cfg.Queue.PollInterval) * time.Second,
			BatchSize:    cfg.Queue.BatchSize,
		}, svcs.Logger)

		svc.RegisterStandardHandlers(pipeline.Deps{
			Store:     svcs.Store,
			Engine:    engine,
			Language:  cfg.OCR.Language,
			Indexer:   indexer.New(svcs.Store, svcs.Connector, svcs.Index, svcs.Logger),
			Promoter:  svcs.Connector,
			Exporter:  svcs.Transfer,
			Extractor: connector.NewEntityExtractor(svcs.Store, svcs.Logger),
			Logger:    svcs.Logger,
		})

		pidPath := filepath.Join(svcs.Home.Path(), pidFileName)
		if pid, running := readPid(pidPath); running {
			return errkind.New(errkind.Conflict, "service already running (pid %d)", pid)
		}
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return err
		}
		defer os.Remove(pidPath)

		// pause/resume subcommands signal the running process.
		pauseCh := make(chan os.Signal, 1)
		signal.Notify(pauseCh, syscall.SIGUSR1, syscall.SIGUSR2)
		go func() {
			for sig := range pauseCh {
				switch sig {
				case syscall.SIGUSR1:
					svc.Pause()
				case syscall.SIGUSR2:
					svc.Resume()
				}
			}
		}()
		defer signal.Stop(pauseCh)

		svcs.Logger.Info("service started", "pid", os.Getpid(),
			"workers", cfg.Queue.MaxConcurrent)
		if err := svc.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		svc.Stop()
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := requireRunning()
		if err != nil {
			return err
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		return output(map[string]any{"stopped": pid})
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report service and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		pid, running := readPid(filepath.Join(h.Path(), pidFileName))

		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		tasks := map[string]int{}
		for _, status := range []queue.Status{
			queue.StatusPending, queue.StatusLeased, queue.StatusSucceeded,
			queue.StatusFailed, queue.StatusCancelled,
		} {
			list, err := svcs.Queue.ListTasks(ctx, queue.TaskFilter{Status: status, Limit: 10000})
			if err != nil {
				return err
			}
			if len(list) > 0 {
				tasks[string(status)] = len(list)
			}
		}

		bulks, err := svcs.Queue.ListBulks(ctx)
		if err != nil {
			return err
		}

		status := map[string]any{
			"running": running,
			"tasks":   tasks,
			"bulks":   len(bulks),
		}
		if running {
			status["pid"] = pid
		}
		return output(status)
	},
}

var servicePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause task leasing in the running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := requireRunning()
		if err != nil {
			return err
		}
		if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		return output(map[string]any{"paused": pid})
	},
}

var serviceResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume task leasing in the running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := requireRunning()
		if err != nil {
			return err
		}
		if err := syscall.Kill(pid, syscall.SIGUSR2); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		return output(map[string]any{"resumed": pid})
	},
}

// buildEngine selects the OCR engine named in the configuration.
func buildEngine(name string) (ocr.Engine, error) {
	switch name {
	case "", "tesseract":
		return ocr.NewTesseract("", ocr.DefaultOptions(), newLogger()), nil
	case "mock":
		return &ocr.Mock{}, nil
	default:
		return nil, errkind.New(errkind.Validation, "unknown OCR engine %q", name)
	}
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 probes liveness without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

func requireRunning() (int, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return 0, err
	}
	pid, running := readPid(filepath.Join(h.Path(), pidFileName))
	if !running {
		return 0, errkind.New(errkind.NotFound, "service is not running")
	}
	return pid, nil
}

func init() {
	serviceCmd.AddCommand(serviceStartCmd, serviceStopCmd, serviceStatusCmd,
		servicePauseCmd, serviceResumeCmd)
	rootCmd.AddCommand(serviceCmd)
}
