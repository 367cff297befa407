package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/crosspoint-router/internal/config"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/observability"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/controller"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/runtime"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/sim"
	"github.com/signalsfoundry/crosspoint-router/internal/state"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// routeList collects repeated -route source=destination flags.
type routeList []namedRoute

type namedRoute struct {
	source      string
	destination string
}

func (l *routeList) String() string {
	parts := make([]string, len(*l))
	for i, r := range *l {
		parts[i] = r.source + "=" + r.destination
	}
	return strings.Join(parts, ",")
}

func (l *routeList) Set(v string) error {
	src, dst, ok := strings.Cut(v, "=")
	if !ok || src == "" || dst == "" {
		return fmt.Errorf("want source=destination, got %q", v)
	}
	*l = append(*l, namedRoute{source: src, destination: dst})
	return nil
}

type options struct {
	cfg          config.Config
	routes       routeList
	signals      model.SignalType
	tenant       model.TenantID
	ackMode      sim.AckMode
	transmitting bool
}

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}
	log = logging.New(opts.cfg.Log)

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, opts, log); err != nil {
		log.Error(ctx, "crosspoint router exited", logging.Err(err))
		os.Exit(1)
	}
}

// parseOptions reads the environment first and lets flags override it.
func parseOptions(args []string) (options, error) {
	cfg, envErr := config.FromEnv()
	opts := options{cfg: cfg, tenant: 1}

	fs := flag.NewFlagSet("crosspoint-router", flag.ContinueOnError)
	topology := fs.String("config", cfg.TopologyPath, "YAML topology file")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "HTTP address for Prometheus /metrics; empty disables")
	timeout := fs.Duration("intent-timeout", cfg.IntentTimeout, "how long an intent waits for devices; 0 disables")
	watch := fs.Bool("watch", cfg.Watch, "reload the topology file when it changes")
	debounce := fs.Duration("watch-debounce", cfg.Debounce, "quiet period before a reload")
	signals := fs.String("signals", "video,audio", "signals requested by -route")
	tenant := fs.Uint("tenant", 1, "tenant issuing -route requests")
	ack := fs.String("ack", "async", "simulated device acknowledgement: immediate or async")
	fs.BoolVar(&opts.transmitting, "transmitting", true, "simulated sources start transmitting")
	fs.Var(&opts.routes, "route", "logical route to request at start, as source=destination (repeatable)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.cfg.TopologyPath = *topology
	opts.cfg.MetricsAddr = *metricsAddr
	opts.cfg.IntentTimeout = *timeout
	opts.cfg.Watch = *watch
	opts.cfg.Debounce = *debounce
	opts.tenant = model.TenantID(*tenant)

	mask, err := model.ParseSignals(strings.Split(*signals, ","))
	if err != nil {
		return opts, fmt.Errorf("%w: -signals: %v", config.ErrInvalidSetting, err)
	}
	opts.signals = mask

	switch strings.ToLower(*ack) {
	case "immediate":
		opts.ackMode = sim.AckImmediate
	case "async":
		opts.ackMode = sim.AckAsync
	default:
		return opts, fmt.Errorf("%w: -ack %q", config.ErrInvalidSetting, *ack)
	}

	if envErr != nil {
		return opts, envErr
	}
	if opts.cfg.TopologyPath == "" {
		return opts, fmt.Errorf("%w: no topology file (set -config or ROUTER_CONFIG)", config.ErrInvalidSetting)
	}
	return opts, opts.cfg.Validate()
}

func run(ctx context.Context, opts options, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, opts.cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewRouterCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	rt := runtime.New(ctx, runtime.Options{
		Logger:        log,
		Metrics:       collector,
		IntentTimeout: opts.cfg.IntentTimeout,
		Fleet:         sim.FleetConfig{AckMode: opts.ackMode, Transmitting: opts.transmitting},
	})
	defer rt.Close()

	rt.State.Subscribe(func(ctx context.Context, n state.Notification) {
		if n.Kind != state.RouteChanged {
			return
		}
		log.Info(ctx, "route changed",
			logging.String("destination", n.Endpoint.String()),
			logging.String("signal", n.Signal.String()),
			logging.Any("sources", n.New),
		)
	})
	rt.Executor.OnRouteFinished(func(it *controller.Intent) {
		res, _ := it.Result()
		fields := []logging.Field{
			logging.String("intent_id", it.ID()),
			logging.String("kind", it.Kind().String()),
			logging.Bool("success", res.Success),
		}
		if res.Reason != "" {
			fields = append(fields, logging.String("reason", res.Reason))
		}
		log.Info(ctx, "intent finished", fields...)
	})

	if err := rt.LoadFile(ctx, opts.cfg.TopologyPath); err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", opts.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if opts.cfg.Watch {
		w := config.NewWatcher(opts.cfg.TopologyPath, opts.cfg.Debounce, func(ctx context.Context) error {
			return rt.LoadFile(ctx, opts.cfg.TopologyPath)
		}, config.WithWatcherLogger(log))
		g.Go(func() error { return w.Run(gctx) })
	}

	for _, r := range opts.routes {
		it, err := rt.Executor.RouteByName(gctx, r.source, r.destination, opts.signals, opts.tenant)
		if err != nil {
			log.Warn(gctx, "route request rejected",
				logging.String("source", r.source),
				logging.String("destination", r.destination),
				logging.Err(err),
			)
			continue
		}
		log.Info(gctx, "route requested",
			logging.String("intent_id", it.ID()),
			logging.String("source", r.source),
			logging.String("destination", r.destination),
		)
	}

	log.Info(gctx, "crosspoint router running", logging.String("topology", opts.cfg.TopologyPath))
	<-gctx.Done()
	log.Info(context.Background(), "shutting down crosspoint router")
	return g.Wait()
}

func metricsMux(collector *observability.RouterCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
