// Command gleitzeitd is the engine process: it wires the persistence port,
// provider registry, task queue, dependency resolver, retry scheduler, and
// execution engine together and serves the operator API. Grounded on the
// orchestrator's main.go (signal.NotifyContext, otelinit lifecycle,
// graceful http.Server shutdown).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/leifmarkthaler/gleitzeit/internal/api"
	"github.com/leifmarkthaler/gleitzeit/internal/dag"
	"github.com/leifmarkthaler/gleitzeit/internal/engine"
	"github.com/leifmarkthaler/gleitzeit/internal/logging"
	"github.com/leifmarkthaler/gleitzeit/internal/natshub"
	"github.com/leifmarkthaler/gleitzeit/internal/otelinit"
	"github.com/leifmarkthaler/gleitzeit/internal/policy"
	"github.com/leifmarkthaler/gleitzeit/internal/queue"
	"github.com/leifmarkthaler/gleitzeit/internal/registry"
	"github.com/leifmarkthaler/gleitzeit/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit/internal/retrysched"
	"github.com/leifmarkthaler/gleitzeit/internal/store"
	"github.com/leifmarkthaler/gleitzeit/internal/trigger"
)

const serviceName = "gleitzeitd"

func main() {
	logger := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, ins := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)
	_ = ins // unused: each component builds its own instruments from meter

	st, err := store.Open(getEnv("GLEITZEIT_DB_PATH", "./data"), meter)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	if err := st.Initialize(ctx); err != nil {
		logger.Error("initialize store failed", "error", err)
		os.Exit(1)
	}
	defer st.Shutdown(context.Background())

	reg := registry.New(meter)

	limiter := resilience.NewLimiter(200, 50, 500, 100*time.Millisecond)
	defer limiter.Stop()
	q := queue.New(limiter, meter)
	resolver := dag.New()
	sched := retrysched.New(meter)

	pol := policy.NewEngine(getEnv("GLEITZEIT_POLICY_DIR", "./policies"), meter)
	if err := pol.Load(ctx); err != nil {
		logger.Warn("policy load failed, continuing without requirement policies", "error", err)
	}

	cfg := engine.DefaultConfig()
	eng := engine.New(cfg, st, reg, q, resolver, sched, pol, logger, meter)
	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	trig := trigger.New(eng.SubmitWorkflow, logger, meter)
	trig.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = trig.Stop(stopCtx)
	}()

	if natsURL := os.Getenv("GLEITZEIT_NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			logger.Warn("nats connect failed, event-driven triggers disabled", "error", err)
		} else {
			defer nc.Close()
			sub, err := natshub.Subscribe(nc, getEnv("GLEITZEIT_EVENTS_SUBJECT", "gleitzeit.events"), func(ctx context.Context, m *nats.Msg) {
				var evt struct {
					Type string                 `json:"type"`
					Data map[string]interface{} `json:"data"`
				}
				if err := json.Unmarshal(m.Data, &evt); err != nil {
					logger.Warn("discarding malformed hub event", "error", err)
					return
				}
				trig.TriggerEvent(ctx, evt.Type, evt.Data)
			})
			if err != nil {
				logger.Warn("nats subscribe failed, event-driven triggers disabled", "error", err)
			} else {
				defer sub.Unsubscribe()
			}
		}
	}

	apiLimiter := resilience.NewLimiter(100, 20, 200, 200*time.Millisecond)
	defer apiLimiter.Stop()
	srv := api.New(eng, logger, apiLimiter, meter)

	httpSrv := &http.Server{
		Addr:         ":" + getEnv("PORT", "8080"),
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting gleitzeitd", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
