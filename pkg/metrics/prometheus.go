package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/logger"
)

// PrometheusConfig holds Prometheus server configuration
type PrometheusConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// PrometheusHandler handles Prometheus metrics HTTP requests
type PrometheusHandler struct {
	collector *Collector
}

// NewPrometheusHandler creates a new Prometheus handler
func NewPrometheusHandler(collector *Collector) *PrometheusHandler {
	return &PrometheusHandler{
		collector: collector,
	}
}

// ServeHTTP handles HTTP requests for metrics
func (h *PrometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var output strings.Builder

	// Subscriber metrics
	writeMetric(&output, "ptt_registrations_total", "counter", "Total accepted registrations", h.collector.GetRegistrations())
	writeMetric(&output, "ptt_registrations_denied_total", "counter", "Registrations from unknown subscribers", h.collector.GetRegistrationsDenied())
	writeMetric(&output, "ptt_subscribers_online", "gauge", "Number of currently registered subscribers", h.collector.GetOnlineSubscribers())

	// Packet metrics
	output.WriteString("# HELP ptt_packets_received_total Total packets received by message type\n")
	output.WriteString("# TYPE ptt_packets_received_total counter\n")
	received := h.collector.GetPacketsReceivedByType()
	for _, typ := range sortedKeys(received) {
		output.WriteString(fmt.Sprintf("ptt_packets_received_total{type=%q} %d\n", typ, received[typ]))
	}

	writeMetric(&output, "ptt_packets_forwarded_total", "counter", "Total datagrams relayed to subscribers", h.collector.GetPacketsForwarded())
	writeMetric(&output, "ptt_packets_synthesized_total", "counter", "Total control packets synthesized by the trunk", h.collector.GetPacketsSynthesized())

	output.WriteString("# HELP ptt_packets_dropped_total Total packets dropped by reason\n")
	output.WriteString("# TYPE ptt_packets_dropped_total counter\n")
	dropped := h.collector.GetPacketsDroppedByReason()
	for _, reason := range sortedKeys(dropped) {
		output.WriteString(fmt.Sprintf("ptt_packets_dropped_total{reason=%q} %d\n", reason, dropped[reason]))
	}

	// Byte metrics
	writeMetric(&output, "ptt_bytes_received_total", "counter", "Total bytes received", h.collector.GetBytesReceived())
	writeMetric(&output, "ptt_bytes_sent_total", "counter", "Total bytes sent", h.collector.GetBytesSent())

	// Call metrics
	writeMetric(&output, "ptt_calls_started_total", "counter", "Total calls started", h.collector.GetCallsStarted())
	writeMetric(&output, "ptt_calls_active", "gauge", "Number of talk-groups with a call in progress", h.collector.GetActiveCalls())
	writeMetric(&output, "ptt_call_processors", "gauge", "Number of live call processors", h.collector.GetProcessors())

	_, _ = w.Write([]byte(output.String()))
}

func writeMetric[T int | uint64](b *strings.Builder, name, kind, help string, value T) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(b, "%s %d\n", name, value)
}

// PrometheusServer is an HTTP server for Prometheus metrics
type PrometheusServer struct {
	config    PrometheusConfig
	collector *Collector
	log       *logger.Logger
	server    *http.Server
}

// NewPrometheusServer creates a new Prometheus metrics server
func NewPrometheusServer(config PrometheusConfig, collector *Collector, log *logger.Logger) *PrometheusServer {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}

	return &PrometheusServer{
		config:    config,
		collector: collector,
		log:       log.WithComponent("metrics"),
	}
}

// Start starts the Prometheus metrics server
func (s *PrometheusServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("Prometheus metrics server disabled")
		return nil
	}

	handler := NewPrometheusHandler(s.collector)
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, handler)

	// Use a listener to get the actual port (useful for testing with port 0)
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	s.server = &http.Server{
		Handler: mux,
	}

	s.log.Info("Starting Prometheus metrics server",
		logger.Int("port", actualPort),
		logger.String("path", s.config.Path))

	// Start server
	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down Prometheus metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Stop stops the Prometheus metrics server
func (s *PrometheusServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
}
