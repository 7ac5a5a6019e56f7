// Package metrics exports simplefile events and HTTP traffic as Prometheus
// metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-file/pkg/simplefile"
)

const namespace = "simplefile"

// Collector counts coordinator events. It implements simplefile.EventSink.
type Collector struct {
	aliasesCreated  *prometheus.CounterVec
	aliasesReplaced *prometheus.CounterVec
	aliasesDeleted  *prometheus.CounterVec
	blobsDeleted    prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		aliasesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alias",
			Name:      "created_total",
			Help:      "Aliases created, by whether the content was already stored",
		}, []string{"deduplicated"}),
		aliasesReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alias",
			Name:      "replaced_total",
			Help:      "Alias replacements, by replace mode",
		}, []string{"mode"}),
		aliasesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alias",
			Name:      "deleted_total",
			Help:      "Aliases deleted, by whether the blob was torn down",
		}, []string{"teardown"}),
		blobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "deleted_total",
			Help:      "Blobs removed from their store",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, collector := range []prometheus.Collector{
		c.aliasesCreated, c.aliasesReplaced, c.aliasesDeleted, c.blobsDeleted,
		c.httpRequests, c.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) AliasCreated(ctx context.Context, alias *simplefile.FileAlias, deduplicated bool) error {
	c.aliasesCreated.WithLabelValues(strconv.FormatBool(deduplicated)).Inc()
	return nil
}

func (c *Collector) AliasReplaced(ctx context.Context, alias *simplefile.FileAlias, mode simplefile.ReplaceMode) error {
	c.aliasesReplaced.WithLabelValues(string(mode)).Inc()
	return nil
}

func (c *Collector) AliasDeleted(ctx context.Context, alias string, teardown bool) error {
	c.aliasesDeleted.WithLabelValues(strconv.FormatBool(teardown)).Inc()
	return nil
}

func (c *Collector) BlobDeleted(ctx context.Context, uri string) error {
	c.blobsDeleted.Inc()
	return nil
}

// Middleware records request counts and latency labelled by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
