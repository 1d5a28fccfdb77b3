// Command shmnode is an example process wiring a Node through a
// Publish-Subscribe Service end to end: bootstrap, service create/open,
// pool setup, a Publisher/Subscriber pair driven off a WaitSet tick, and a
// /health and /metrics HTTP surface for operators, in the wiring order
// go-server-3/cmd/odin-ws/main.go uses (config → logging → metrics →
// domain objects → signal-based shutdown → HTTP server goroutine).
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"shmipc/internal/config"
	"shmipc/internal/connection"
	"shmipc/internal/ipcerr"
	"shmipc/internal/logging"
	"shmipc/internal/metrics"
	"shmipc/internal/node"
	"shmipc/internal/resguard"
	"shmipc/internal/service"
	"shmipc/internal/shm"
	"shmipc/internal/staticstore"
	"shmipc/ports/pubsub"
	"shmipc/waitset"
)

func main() {
	role := flag.String("role", "demo", "publisher, subscriber, or demo (both, in-process)")
	serviceName := flag.String("service", "shmnode/demo", "pub-sub service name to open or create")
	metricsAddr := flag.String("metrics-addr", ":9100", "listen address for /health and /metrics")
	tick := flag.Duration("tick", 500*time.Millisecond, "interval between publish/reclaim ticks")
	flag.Parse()

	bootEnv, err := node.LoadBootstrapEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load node bootstrap env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	reg := metrics.New()
	guard := resguard.New(resguard.DefaultLimits(), logger)

	id := node.NewId()
	token, err := node.Acquire(bootEnv.PrefixDir, id)
	if err != nil {
		logger.Fatal("acquire liveness token failed", zap.Error(err))
	}
	defer token.Close()
	logger.Info("node acquired", zap.Uint32("pid", id.Pid), zap.Uint64("counter", id.Counter))

	staticCfg := buildStaticConfig(cfg, *serviceName)
	svc, err := service.OpenOrCreate(bootEnv.PrefixDir, staticCfg, cfg.Global.Service.CreationTimeout,
		nil, cfg.Global.Service.RetryBudget, cfg.Global.Service.RetryBackoff)
	if err != nil {
		logger.Fatal("open_or_create service failed", zap.Error(err))
	}
	if err := svc.Join(id); err != nil {
		logger.Fatal("join service failed", zap.Error(err))
	}
	defer svc.Leave(id)
	logger.Info("service ready", zap.String("service_id", svc.Config.ServiceId), zap.String("pattern", "publish_subscribe"))

	pool, err := shm.OpenPool(bootEnv.PrefixDir, svc.Config.ServiceId, uint64(staticCfg.PubSub.PayloadType.Size), uint64(staticCfg.PubSub.MaxNodes)*16, guard)
	if err != nil {
		logger.Fatal("open pool failed", zap.Error(err))
	}
	defer pool.Close()

	ws, err := waitset.New(waitset.HandleTerminationRequests)
	if err != nil {
		logger.Fatal("create waitset failed", zap.Error(err))
	}
	defer ws.Close()
	tickGuard, err := ws.AttachInterval(*tick)
	if err != nil {
		logger.Fatal("attach tick interval failed", zap.Error(err))
	}
	defer tickGuard.Close()

	httpErrCh := make(chan error, 1)
	ctx, cancelHTTP := context.WithCancel(context.Background())
	defer cancelHTTP()
	go func() { httpErrCh <- runHTTPServer(ctx, *metricsAddr, reg, logger) }()

	sweeper := node.NewSweeper(bootEnv.PrefixDir, guard)
	runner := newDemoRunner(*role, pool, staticCfg, logger, svc.Config.ServiceId, reg, id, svc, sweeper)

	loopErr := runLoop(ws, runner, logger)
	cancelHTTP()
	if err := <-httpErrCh; err != nil {
		logger.Warn("http server exited with error", zap.Error(err))
	}

	switch {
	case loopErr == nil:
	case loopErr == ipcerr.ErrTerminationRequest:
		logger.Info("termination request received, shutting down")
	case loopErr == ipcerr.ErrInterrupt:
		logger.Info("interrupt received, shutting down")
	default:
		logger.Error("wait loop exited with error", zap.Error(loopErr))
	}
}

// runLoop drives the WaitSet until a shutdown signal arrives, calling
// runner.tick on every interval wake-up.
func runLoop(ws *waitset.WaitSet, runner *demoRunner, logger *zap.Logger) error {
	for {
		err := ws.WaitAndProcess(2*time.Second, func(attachmentID uint64) waitset.Action {
			runner.tick()
			return waitset.Continue
		})
		if err == ipcerr.ErrTerminationRequest || err == ipcerr.ErrInterrupt {
			return err
		}
		if err != nil {
			logger.Warn("wait_and_process error", zap.Error(err))
			return err
		}
	}
}

func buildStaticConfig(cfg config.Config, serviceName string) staticstore.StaticConfig {
	d := cfg.Defaults.PublishSubscribe
	sc := staticstore.StaticConfig{
		ServiceName: serviceName,
		Pattern:     staticstore.PatternPublishSubscribe,
		PubSub: staticstore.PubSubParams{
			MaxPublishers:                int32(d.MaxPublishers),
			MaxSubscribers:               int32(d.MaxSubscribers),
			MaxNodes:                     int32(d.MaxNodes),
			HistorySize:                  int32(d.HistorySize),
			SubscriberMaxBufferSize:      int32(d.SubscriberMaxBufferSize),
			SubscriberMaxBorrowedSamples: int32(d.SubscriberMaxBorrowedSamples),
			EnableSafeOverflow:           d.EnableSafeOverflow,
			PayloadType: staticstore.TypeDetail{
				Kind:      staticstore.TypeFixedSize,
				TypeName:  "shmnode.Sample",
				Size:      8,
				Alignment: 8,
			},
		},
	}
	sc.ServiceId = service.DeriveId(sc.Pattern, serviceName)
	return sc
}

// runHTTPServer serves /health and /metrics until ctx is cancelled,
// grounded on go-server-3/cmd/odin-ws/main.go's runHTTPServer.
func runHTTPServer(ctx context.Context, addr string, reg *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// demoRunner exercises a Publisher and/or Subscriber against one pool on
// every tick, standing in for separate publisher/subscriber processes
// attaching to the same named pool; a single process plays both roles here
// so the binary is runnable standalone.
type demoRunner struct {
	role      string
	pool      *shm.Pool
	logger    *zap.Logger
	serviceID string
	metrics   *metrics.Metrics
	svc       *service.Service
	sweeper   *node.Sweeper

	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	conn       *connectionPair
	counter    uint64
}

func newDemoRunner(role string, pool *shm.Pool, cfg staticstore.StaticConfig, logger *zap.Logger, serviceID string, reg *metrics.Metrics, owner node.Id, svc *service.Service, sweeper *node.Sweeper) *demoRunner {
	r := &demoRunner{role: role, pool: pool, logger: logger, serviceID: serviceID, metrics: reg, svc: svc, sweeper: sweeper}
	if role == "publisher" || role == "demo" {
		r.publisher = pubsub.NewPublisher(pool, uint64(cfg.PubSub.SubscriberMaxBufferSize), int(cfg.PubSub.HistorySize), connection.DiscardSample)
	}
	if role == "subscriber" || role == "demo" {
		r.subscriber = pubsub.NewSubscriber(uint64(cfg.PubSub.SubscriberMaxBorrowedSamples))
	}
	if role == "demo" {
		r.conn = newConnectionPair(cfg, owner)
		r.publisher.Attach(r.conn.subscriberPortId, r.conn.conn, int(cfg.PubSub.SubscriberMaxBufferSize))
		r.subscriber.Attach(r.conn.publisherPortId, r.conn.conn, pool)
	}
	return r
}

func (r *demoRunner) tick() {
	if err := r.sweeper.Sweep(r.svc.Nodes.Snapshot(), func(owner node.Id) {
		r.svc.Publishers.DeregisterOwner(owner)
		r.svc.Subscribers.DeregisterOwner(owner)
		r.logger.Info("reaped ports for dead node", zap.Uint32("pid", owner.Pid), zap.Uint64("counter", owner.Counter))
	}); err != nil {
		r.logger.Warn("sweep failed", zap.Error(err))
	}

	if r.publisher != nil {
		r.counter++
		sample, err := r.publisher.LoanUninit(8)
		if err != nil {
			r.logger.Warn("loan failed", zap.Error(err))
		} else {
			binary.LittleEndian.PutUint64(sample.Payload, r.counter)
			if err := r.publisher.Send(sample); err != nil {
				r.logger.Warn("send failed", zap.Error(err))
			}
		}
		r.publisher.ReclaimReleased()
	}
	if r.subscriber != nil {
		for {
			bs, ok, err := r.subscriber.Receive()
			if err != nil {
				r.logger.Warn("receive failed", zap.Error(err))
				break
			}
			if !ok {
				break
			}
			r.logger.Debug("sample received", zap.Uint64("value", binary.LittleEndian.Uint64(bs.Payload)))
			if err := r.subscriber.Release(bs); err != nil {
				r.logger.Warn("release failed", zap.Error(err))
			}
		}
	}
}
