package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/monitor"
	"github.com/glimte/rabbitkit/rabbitmq"
)

type consumeFlags struct {
	messages       int
	memoryLimit    int
	withoutSignals bool
	metricsAddr    string
	pidFile        string
}

// DefaultPIDFile is where a running consumer records its process id
func DefaultPIDFile(consumer string) string {
	return filepath.Join(os.TempDir(), "rabbitkit-"+consumer+".pid")
}

func (a *App) consumeCommand() *cobra.Command {
	var flags consumeFlags
	cmd := &cobra.Command{
		Use:   "consume <name>",
		Short: "Run a consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.consume(cmd.Context(), args[0], flags)
		},
	}
	cmd.Flags().IntVarP(&flags.messages, "messages", "m", 0, "stop after this many messages, 0 for no limit")
	cmd.Flags().IntVarP(&flags.memoryLimit, "memory-limit", "l", 0, "stop once process memory reaches this many MB, 0 for no limit")
	cmd.Flags().BoolVarP(&flags.withoutSignals, "without-signals", "w", false, "do not handle SIGINT, SIGTERM and SIGHUP")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().StringVar(&flags.pidFile, "pid-file", "", "pid file used by restart-consume (default in the temp dir)")
	return cmd
}

func (a *App) consume(ctx context.Context, name string, flags consumeFlags) error {
	if flags.messages < 0 {
		return a.fail("The -m option should be null or greater than 0")
	}
	if flags.memoryLimit < 0 {
		return a.fail("The -l option should be null or greater than 0")
	}

	container, err := a.container()
	if err != nil {
		return err
	}
	defer container.Close()

	consumer, err := container.Consumer(ctx, name)
	if errors.Is(err, rabbitkit.ErrNotFound) {
		return a.fail("Consumer `%s` doesn't exist.", name)
	}
	if err != nil {
		return err
	}
	if flags.memoryLimit > 0 {
		consumer.SetMemoryLimit(uint64(flags.memoryLimit) * 1024 * 1024)
	}

	if flags.metricsAddr != "" {
		cfg, _ := container.Config().Consumer(name)
		conn, err := container.Connection(ctx, cfg.Connection)
		if err != nil {
			return err
		}
		shutdown, err := a.serveMetrics(flags.metricsAddr, container.Hooks(), monitor.NewQueueInspector(conn, consumer.Queues(), monitor.WithInspectorLogger(a.logger)))
		if err != nil {
			return err
		}
		defer shutdown()
	}

	pidFile := flags.pidFile
	if pidFile == "" {
		pidFile = DefaultPIDFile(name)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	if !flags.withoutSignals {
		stop := rabbitmq.HandleSignals(ctx, consumer, container.MessageLogger())
		defer stop()
	}

	code, err := consumer.Consume(ctx, flags.messages)
	if err != nil {
		return &ExitError{Code: code, Err: err}
	}
	if code != ExitCodeNormal {
		return &ExitError{Code: code}
	}
	return nil
}

// serveMetrics exposes the consumer metrics and the given queue gauges on addr.
func (a *App) serveMetrics(addr string, hooks *rabbitmq.Hooks, inspector *monitor.QueueInspector) (func(), error) {
	reg := prometheus.NewRegistry()
	collector, err := monitor.NewCollector(reg)
	if err != nil {
		return nil, err
	}
	collector.Attach(hooks)
	reg.MustRegister(inspector, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (a *App) restartConsumeCommand() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "restart-consume <name>",
		Short: "Ask a running consumer to reconnect and subscribe again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if pidFile == "" {
				pidFile = DefaultPIDFile(name)
			}
			raw, err := os.ReadFile(pidFile)
			if errors.Is(err, os.ErrNotExist) {
				return a.fail("Consumer `%s` is not running.", name)
			}
			if err != nil {
				return err
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return a.fail("Pid file %s is corrupt.", pidFile)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGHUP); err != nil {
				return a.fail("Consumer `%s` is not running: %v", name, err)
			}
			a.success("Consumer `%s` was asked to restart.", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "pid file written by consume (default in the temp dir)")
	return cmd
}
