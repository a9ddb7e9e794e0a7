package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
)

// buildMux assembles the single HTTP surface: transport webhooks, the agent
// websocket, the console REST API, metrics and health.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	for _, c := range s.connectors.All() {
		wc, ok := c.(channels.WebhookConnector)
		if !ok {
			continue
		}
		mux.HandleFunc(wc.WebhookPath(), s.gatedWebhook(wc))
	}

	mux.HandleFunc("/ws/agent", s.hub.HandleUpgrade)
	s.console.register(mux)
	mux.Handle("/metrics", s.metricsHandler)
	mux.HandleFunc("/healthz", s.handleHealthz)

	return mux
}

// gatedWebhook wraps a connector's webhook handler with per-channel
// backpressure. Only deliveries (POST) are shed; verification handshakes and
// other reads always pass.
func (s *Server) gatedWebhook(wc channels.WebhookConnector) http.HandlerFunc {
	channel := wc.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && s.gate.saturated(channel) {
			s.metrics.MessagesTotal.WithLabelValues(string(channel), "rejected").Inc()
			s.logger.Warn(r.Context(), "webhook shed under backpressure",
				"channel", string(channel),
				"inflight", s.gate.inflight(channel),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "overloaded", http.StatusTooManyRequests)
			return
		}
		wc.HandleWebhook(w, r)
	}
}

type connectorHealth struct {
	Channel   string  `json:"channel"`
	Connected bool    `json:"connected"`
	Healthy   bool    `json:"healthy"`
	Degraded  bool    `json:"degraded,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
	Message   string  `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	UptimeS    float64           `json:"uptime_s"`
	Sessions   int               `json:"sessions"`
	Connectors []connectorHealth `json:"connectors"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		UptimeS:  time.Since(s.startedAt).Seconds(),
		Sessions: s.sessions.Count(),
	}
	for _, c := range s.connectors.All() {
		h := c.HealthCheck(ctx)
		st := c.Status()
		resp.Connectors = append(resp.Connectors, connectorHealth{
			Channel:   string(c.Type()),
			Connected: st.Connected,
			Healthy:   h.Healthy,
			Degraded:  h.Degraded,
			LatencyMS: float64(h.Latency) / float64(time.Millisecond),
			Message:   h.Message,
		})
		if !h.Healthy || h.Degraded {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// serveHTTP binds the listener and serves in the background. Binding
// synchronously means Addr is valid as soon as Start returns, which tests
// rely on with ":0".
func (s *Server) serveHTTP() error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.cfg.HTTP.Addr, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:           s.buildMux(),
		ReadHeaderTimeout: time.Duration(s.cfg.HTTP.ReadHeaderTimeoutS) * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), "http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when configured with ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) shutdownHTTP(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
