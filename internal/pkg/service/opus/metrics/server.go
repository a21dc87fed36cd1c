package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/servicectx"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	Endpoint                = "/metrics"
	readHeaderTimeout       = 10 * time.Second
	gracefulShutdownTimeout = 30 * time.Second
)

// Config of the metrics endpoint.
type Config struct {
	Listen string `mapstructure:"listen" usage:"Listen address of the Prometheus metrics endpoint, empty value disables it."`
}

func NewConfig() Config {
	return Config{Listen: ""}
}

// ServeMetrics starts HTTP server with the metrics endpoint, it is stopped on the process shutdown.
func ServeMetrics(ctx context.Context, m *Metrics, cfg Config, logger log.Logger, proc *servicectx.Process) error {
	if cfg.Listen == "" {
		return nil
	}

	logger = logger.WithComponent("metrics")
	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(Endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: prometheus.Registerer(m.registry)}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	proc.Add(func(_ context.Context, errCh chan<- error) {
		logger.Infof(ctx, `metrics HTTP server listening on "%s%s"`, cfg.Listen, Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.PrefixError(err, "metrics HTTP server failed")
		}
	})

	proc.OnShutdown(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
		defer cancel()

		logger.Infof(ctx, `shutting down metrics HTTP server at "%s"`, cfg.Listen)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, `metrics HTTP server shutdown error: %s`, err)
		}
		logger.Info(ctx, "metrics HTTP server shutdown finished")
	})

	return nil
}
