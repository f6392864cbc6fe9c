package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskrelay/internal/api"
	"taskrelay/internal/codec"
	"taskrelay/internal/config"
	"taskrelay/internal/logging"
)

func flagOpts(cmd *cobra.Command, bindings map[string]string) []config.Option {
	opts := []config.Option{config.WithFlag("log.level", cmd.Flag("log-level"))}
	for key, name := range bindings {
		opts = append(opts, config.WithFlag(key, cmd.Flag(name)))
	}
	return opts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildServeCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (optionally with embedded workers and the scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile, flagOpts(cmd, map[string]string{
				"server.addr":             "addr",
				"server.embedded_workers": "embedded-workers",
			})...)
			if err != nil {
				return err
			}
			defer a.close()
			beat, _ := cmd.Flags().GetBool("beat")
			return runServe(a, beat)
		},
	}
	cmd.Flags().String("addr", ":8000", "HTTP bind address")
	cmd.Flags().Bool("embedded-workers", false, "run a worker pool in this process")
	cmd.Flags().Bool("beat", false, "run the periodic scheduler in this process")
	return cmd
}

func runServe(a *app, beat bool) error {
	ctx, stop := signalContext()
	defer stop()

	if err := a.connect(ctx); err != nil {
		return err
	}

	deps := api.Deps{
		Submitter: a.dispatcher,
		Status:    a.resolver,
		Fleet:     a.inspector,
		BrokerURL: a.safeURL,
		Connected: a.mgr.Connected,
		Tasks:     a.reg.Names,
		Debug:     a.cfg.Server.Debug,
		Version:   a.cfg.App.Version,
		Logger:    logging.Component(a.log, "api"),
	}
	if a.cfg.Metrics.Enabled {
		deps.Metrics = a.metrics.Handler()
		deps.MetricsPath = a.cfg.Metrics.Path
	}
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      api.NewServer(deps),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.cfg.Server.EmbeddedWorkers {
		pool := a.newPool()
		g.Go(func() error {
			pool.Run(gctx)
			return nil
		})
	}
	if beat {
		svc, err := a.newScheduler()
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			svc.Start(gctx)
			return nil
		})
	}
	return g.Wait()
}

func buildWorkerCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume tasks from the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile, flagOpts(cmd, map[string]string{
				"worker.concurrency": "concurrency",
				"worker.id":          "id",
			})...)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			if err := a.connect(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			pool := a.newPool()
			g.Go(func() error {
				pool.Run(gctx)
				return nil
			})
			if beat, _ := cmd.Flags().GetBool("beat"); beat {
				svc, err := a.newScheduler()
				if err != nil {
					stop()
					_ = g.Wait()
					return err
				}
				g.Go(func() error {
					svc.Start(gctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().Int("concurrency", 8, "number of concurrent task slots")
	cmd.Flags().String("id", "", "worker id (default worker@<host>-<random>)")
	cmd.Flags().Bool("beat", false, "also run the periodic scheduler")
	return cmd
}

func buildSubmitCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <task> [json-arg...]",
		Short: "Submit a task; each argument is parsed as JSON, falling back to a plain string",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile, flagOpts(cmd, nil)...)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			if err := a.mgr.Connect(ctx); err != nil {
				return err
			}
			h, err := a.dispatcher.Submit(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		},
	}
	return cmd
}

// parseArgs reads each CLI argument as JSON so numbers stay numbers; anything
// that is not valid JSON is passed as a string.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			out = append(out, s)
			continue
		}
		out = append(out, codec.NormalizeNumbers(v))
	}
	return out
}

func buildStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile, flagOpts(cmd, nil)...)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			if err := a.mgr.Connect(ctx); err != nil {
				return err
			}
			v, err := a.resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"task_id": v.TaskID,
				"state":   v.State,
				"status":  v.Describe(),
				"payload": v.Payload,
			})
		},
	}
}

func buildInspectCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List live workers and the tasks they are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile, flagOpts(cmd, nil)...)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			if err := a.mgr.Connect(ctx); err != nil {
				a.log.Warn().Err(err).Msg("broker unreachable, reporting degraded fleet")
			}
			return printJSON(cmd, a.inspector.ListActiveWorkers(ctx))
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
