package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/capscache"
	"github.com/kardianos/qfeature/disco"
	"github.com/kardianos/qfeature/entitytime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// newApp builds the client graph. The entity time registry is attached to the
// connection registry before the client connects, so the session gets its
// Manager as soon as it is bound.
func newApp(cfg *Config, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			func(cfg *Config) (*zap.Logger, error) { return newLogger(cfg.LogLevel) },
			qfeature.NewConnRegistry,
			newPromRegistry,
			newCapsCache,
			newDiscoRegistry,
			newTimeRegistry,
			newClient,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(serveMetrics),
		fx.Options(opts...),
	)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	return cfg.Build()
}

func newPromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newCapsCache(lc fx.Lifecycle, cfg *Config, log *zap.Logger) (capscache.Cache, error) {
	front := capscache.NewLRU(cfg.Cache.Size, cfg.Cache.TTL)
	if cfg.Cache.Path == "" {
		return front, nil
	}
	back, err := capscache.OpenBolt(cfg.Cache.Path, capscache.BoltOpt{
		TTL:    cfg.Cache.TTL,
		Logger: log.Named("capscache"),
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := back.Prune()
			if err != nil {
				return err
			}
			log.Debug("pruned capability cache", zap.Int("removed", n))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return back.Close()
		},
	})
	return capscache.Tiered{Front: front, Back: back}, nil
}

func newDiscoRegistry(cr *qfeature.ConnRegistry, cache capscache.Cache, log *zap.Logger) *disco.Registry {
	reg := disco.NewRegistry(
		disco.WithCache(cache),
		disco.WithIdentity(disco.Identity{Category: "client", Type: "pc", Name: "qtime"}),
		disco.WithLogger(log),
	)
	reg.Attach(cr)
	return reg
}

func newTimeRegistry(cfg *Config, cr *qfeature.ConnRegistry, dr *disco.Registry, prom *prometheus.Registry, log *zap.Logger) (*entitytime.Registry, error) {
	reg, err := entitytime.NewRegistry(
		func(c qfeature.Conn) entitytime.Discovery { return dr.InstanceFor(c) },
		entitytime.WithAutoEnable(*cfg.AutoEnable),
		entitytime.WithMetrics(entitytime.NewMetrics(prom)),
		entitytime.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	reg.Attach(cr)
	return reg, nil
}

// newClient takes the time registry only to order construction after Attach.
func newClient(lc fx.Lifecycle, cfg *Config, cr *qfeature.ConnRegistry, _ *entitytime.Registry, log *zap.Logger) (*qfeature.Client, error) {
	cert, pool, err := qfeature.LoadCertDir(cfg.Certs, cfg.Machine)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := qfeature.NewClient(ctx, qfeature.ClientOpt{
		HubAddr:      cfg.Hub,
		TLS:          qfeature.BuildClientTLS(cert, pool, cfg.ServerName),
		Resource:     cfg.Resource,
		Registry:     cr,
		Resolver:     cfg.Resolver(),
		ReplyTimeout: cfg.ReplyTimeout,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

func serveMetrics(lc fx.Lifecycle, cfg *Config, prom *prometheus.Registry, log *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server", zap.Error(err))
				}
			}()
			log.Info("metrics listening", zap.Stringer("addr", ln.Addr()))
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// run starts app, waits for ctx or done, then stops it.
func run(ctx context.Context, app *fx.App, done <-chan struct{}) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-done:
	}
	return stop(app)
}

// stop stops app with a bounded timeout and returns the hook errors.
func stop(app *fx.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return app.Stop(ctx)
}
