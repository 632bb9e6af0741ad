package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exochat/util"
)

const namespace = "exochat"

var (
	descSessionsActive = prometheus.NewDesc(namespace+"_sessions_active", "Number of connected sessions.", nil, nil)
	descSessionsTotal  = prometheus.NewDesc(namespace+"_sessions_total", "Sessions that reached the connected state.", nil, nil)
	descLoginFailures  = prometheus.NewDesc(namespace+"_login_failures_total", "Connection attempts that failed before the connected state.", nil, nil)
	descBytes          = prometheus.NewDesc(namespace+"_bytes_total", "Bytes moved over the chat connection.", []string{"direction"}, nil)
	descFrames         = prometheus.NewDesc(namespace+"_frames_total", "Encrypted frames moved over the chat connection.", []string{"direction"}, nil)
	descCorruptFrames  = prometheus.NewDesc(namespace+"_corrupt_frames_total", "Inbound frames discarded because they could not be decoded.", nil, nil)
	descPackets        = prometheus.NewDesc(namespace+"_packets_received_total", "Inbound packets by type.", []string{"type"}, nil)
	descHeartbeats     = prometheus.NewDesc(namespace+"_heartbeats_answered_total", "Heartbeat pings answered.", nil, nil)
	descTunnel         = prometheus.NewDesc(namespace+"_tunnel_reconnects_total", "SSH tunnel reconnections.", nil, nil)
	descErrors         = prometheus.NewDesc(namespace+"_errors_total", "Errors by class.", []string{"class"}, nil)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descSessionsActive, descSessionsTotal, descLoginFailures, descBytes, descFrames,
		descCorruptFrames, descPackets, descHeartbeats, descTunnel, descErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector from a fresh snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descSessionsActive, s.SessionsActive)
	counter(descSessionsTotal, s.SessionsTotal)
	counter(descLoginFailures, s.LoginFailures)
	counter(descBytes, s.BytesIn, "in")
	counter(descBytes, s.BytesOut, "out")
	counter(descFrames, s.FramesIn, "in")
	counter(descFrames, s.FramesOut, "out")
	counter(descCorruptFrames, s.CorruptFrames)
	counter(descHeartbeats, s.HeartbeatsAnswered)
	counter(descTunnel, s.TunnelReconnects)
	for kind, n := range s.Packets {
		counter(descPackets, n, kind)
	}
	for class, n := range s.Errors {
		counter(descErrors, n, class)
	}
}

// Handler returns an http.Handler serving c in the Prometheus text
// format, alongside the Go runtime collectors.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Collector, logger *util.Logger) error {
	h, err := Handler(c)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, h, logger)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler, logger *util.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Verbose("metrics: serving on http://%s/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
