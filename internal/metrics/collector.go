// Package metrics exposes engine metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records turn, tool, usage and HTTP metrics on its own registry.
// It satisfies agent.Recorder.
type Collector struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	cost           *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	uploadCount    atomic.Pointer[func() int]
	startTime      time.Time
}

// NewCollector creates a collector with Go runtime and process metrics
// registered next to the engine metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "novabot_turns_total",
			Help: "Completed conversation turns by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "novabot_turn_duration_seconds",
			Help:    "Wall time of a conversation turn",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2m
		}),
		turnIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "novabot_turn_iterations",
			Help:    "Tool rounds per conversation turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 10, 20},
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "novabot_tool_calls_total",
			Help: "Tool executions by tool and result",
		}, []string{"tool", "success"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novabot_tool_duration_seconds",
			Help:    "Tool execution time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"tool"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "novabot_tokens_total",
			Help: "Tokens consumed by model and direction",
		}, []string{"model", "direction"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "novabot_cost_usd_total",
			Help: "Estimated spend in US dollars by model",
		}, []string{"model"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "novabot_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "novabot_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		startTime: time.Now(),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "novabot_uploads_active",
		Help: "Uploads currently held in the ephemeral store",
	}, c.activeUploads)
	return c
}

// ObserveTurn records a finished turn labelled with the loop outcome.
func (c *Collector) ObserveTurn(outcome string, d time.Duration, iterations int) {
	c.turns.WithLabelValues(outcome).Inc()
	c.turnDuration.Observe(d.Seconds())
	c.turnIterations.Observe(float64(iterations))
}

func (c *Collector) ObserveToolCall(tool string, success bool, d time.Duration) {
	c.toolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) ObserveUsage(model string, inputTokens, outputTokens int, costUSD float64) {
	c.tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	c.cost.WithLabelValues(model).Add(costUSD)
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(route string, code int, d time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// TrackUploads makes the uploads gauge read count at every scrape.
func (c *Collector) TrackUploads(count func() int) {
	c.uploadCount.Store(&count)
}

func (c *Collector) activeUploads() float64 {
	if fn := c.uploadCount.Load(); fn != nil {
		return float64((*fn)())
	}
	return 0
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
