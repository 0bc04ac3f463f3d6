package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deferq/internal/job"
	promexp "deferq/internal/observability/prometheus"
	"deferq/internal/sched"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runOptions struct {
	csvPath     string
	metricsAddr string
}

func runWorkload(ctx context.Context, cfg sched.Config, opts runOptions, out, errOut io.Writer) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, errOut)

	reg := prom.NewRegistry()
	exporter, err := promexp.NewMetricsExporter(cfg.MetricsNamespace, reg, promexp.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	s := sched.New(cfg).WithLogger(logger).WithMetrics(exporter)
	if opts.csvPath != "" {
		if err := s.EnableCSVLogging(opts.csvPath); err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing csv log", "error", err)
			}
		}()
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tasks := make([]*sched.Task, len(cfg.Jobs))
	for i, js := range cfg.Jobs {
		topts := []sched.TaskOption{sched.WithName(js.Name)}
		if js.Timeout > 0 {
			topts = append(topts, sched.WithTimeout(js.Timeout))
		}
		t := s.NewTask(job.FromSpec(js), topts...)
		t.OnProgress(func(data any) {
			logger.Info("progress", "job", js.Name, "progress", data)
		})
		tasks[i] = t
	}

	logger.Info("running workload", "mode", cfg.Mode, "jobs", len(tasks))

	switch cfg.Mode {
	case sched.ModeAll:
		results, err := sched.All(ctx, tasks...)
		if err != nil {
			fmt.Fprintf(out, "all: failed: %v\n", err)
			return nil
		}
		for i, r := range results {
			fmt.Fprintf(out, "%-16s %v\n", tasks[i].Name(), r)
		}

	case sched.ModeRace:
		result, err := sched.Race(ctx, s, tasks...)
		if err != nil {
			fmt.Fprintf(out, "race: failed: %v\n", err)
		} else {
			fmt.Fprintf(out, "race: winner result %v\n", result)
		}
		for _, t := range tasks {
			select {
			case <-t.Done():
			case <-ctx.Done():
			}
			report(out, t)
		}

	default:
		for i, t := range tasks {
			t.SetPriority(cfg.Jobs[i].Priority)
		}
		s.RunTasks()
		for _, t := range tasks {
			_, _ = t.Await(ctx)
			report(out, t)
		}
	}
	return nil
}

func report(out io.Writer, t *sched.Task) {
	switch st := t.State(); st {
	case sched.StateFulfilled:
		fmt.Fprintf(out, "%-16s %-10s %v\n", t.Name(), st, t.Result())
	case sched.StateRejected, sched.StateTimedOut:
		fmt.Fprintf(out, "%-16s %-10s %v\n", t.Name(), st, t.Err())
	default:
		fmt.Fprintf(out, "%-16s %-10s\n", t.Name(), st)
	}
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
