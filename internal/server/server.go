// Package server provides the local HTTP listener of the bridge.
//
// Clients post plain SOAP requests to the listener; each request is sent
// to the addressed gateway through a bridge.Processor, which applies the
// gateway's policy, and the gateway's reply is returned to the client.
//
// # Bridge Endpoint
//
// POST {basePath}/{gatewayID}/{path...} - Forwards a SOAP request. The
// policy attachment key is taken from the namespace of the first body
// element, the SOAPAction header and the request path. Clients of gateways
// that chain credentials authenticate with HTTP Basic.
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe, lists the configured gateways
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirosfoundation/go-wsbridge/internal/config"
	"github.com/sirosfoundation/go-wsbridge/pkg/bridge"
	"github.com/sirosfoundation/go-wsbridge/pkg/credentials"
	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

// Options configure a Server.
type Options struct {
	Config    *config.Config
	Processor *bridge.Processor
	Gateways  map[string]*gateway.Gateway
	// Metrics is mounted at Config.Metrics.Path when metrics are enabled.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the bridge's HTTP listener.
type Server struct {
	config    *config.Config
	processor *bridge.Processor
	gateways  map[string]*gateway.Gateway
	metrics   http.Handler
	logger    *slog.Logger
	httpSrv   *http.Server
}

// New creates a new server
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    opts.Config,
		processor: opts.Processor,
		gateways:  opts.Gateways,
		metrics:   opts.Metrics,
		logger:    logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.Server.TLS.Enabled)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	basePath := strings.TrimSuffix(s.config.Server.BasePath, "/")
	if basePath == "" {
		basePath = "/gateway"
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST "+basePath+"/{gatewayID}/{path...}", s.withGateway(s.handleForward))

	if s.config.Metrics.Enabled && s.metrics != nil {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics)
	}
}

// Middleware

type contextKey string

const gatewayKey contextKey = "gateway"

// withGateway resolves the gateway named in the path
func (s *Server) withGateway(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("gatewayID")
		gw, ok := s.gateways[id]
		if !ok {
			s.jsonError(w, "unknown gateway", http.StatusNotFound)
			return
		}
		ctx := context.WithValue(r.Context(), gatewayKey, gw)
		next(w, r.WithContext(ctx))
	}
}

// GatewayFromContext returns the gateway resolved for the request.
func GatewayFromContext(ctx context.Context) *gateway.Gateway {
	gw, _ := ctx.Value(gatewayKey).(*gateway.Gateway)
	return gw
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.gateways) == 0 {
		s.jsonError(w, "no gateways configured", http.StatusServiceUnavailable)
		return
	}
	ids := make([]string, 0, len(s.gateways))
	for id := range s.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.jsonResponse(w, map[string]any{"status": "ready", "gateways": ids}, http.StatusOK)
}

// Bridge handlers

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	gw := GatewayFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.jsonError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	req := message.New(body, r.Header.Get("Content-Type"))
	req.Header = r.Header.Clone()
	key := attachmentKey(req, r)

	s.logger.Info("forwarding request",
		"gateway", gw.ID,
		"key", key.String(),
		"content-length", len(body),
	)

	rc, err := s.processor.NewRequestContext(gw, req, key, originalURL(r))
	if err != nil {
		s.writeFault(w, gw.ID, req, err)
		return
	}
	defer rc.Close(context.WithoutCancel(r.Context()))

	if gw.ChainCredentialsFromClient {
		if username, password, ok := r.BasicAuth(); ok {
			rc.SetClientCredentials(&credentials.Credentials{Username: username, Password: password})
		}
	}

	if err := s.processor.ProcessMessage(r.Context(), rc); err != nil {
		if failure.KindOf(err) == failure.KindHTTPChallengeRequired {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", gw.ID))
			s.jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		s.writeFault(w, gw.ID, req, err)
		return
	}

	s.writeResponse(w, rc.Response())
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *message.Message) {
	body, err := resp.Bytes()
	if err != nil {
		s.logger.Error("serialising response failed", "error", err)
		http.Error(w, "response serialisation failed", http.StatusInternalServerError)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(status)
	w.Write(body)
}

// writeFault logs cause and answers with a Server (SOAP 1.2: Receiver)
// fault in the request's SOAP version. The fault only carries a short
// reason; cause may name local files and keystore state.
func (s *Server) writeFault(w http.ResponseWriter, gatewayID string, req *message.Message, cause error) {
	kind := failure.KindOf(cause)
	s.logger.Error("request failed", "gateway", gatewayID, "kind", kind.String(), "error", cause)

	soap12 := false
	if doc, err := req.Document(); err == nil && req.IsSOAP() {
		soap12 = message.IsSOAP12(doc)
	}
	code, contentType := "Server", "text/xml; charset=utf-8"
	if soap12 {
		code, contentType = "Receiver", "application/soap+xml; charset=utf-8"
	}
	body, err := message.NewFault(soap12, code, faultReason(kind)).WriteToBytes()
	if err != nil {
		http.Error(w, "fault generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusInternalServerError)
	w.Write(body)
}

// faultReason is the fault string sent to the client for a failure kind.
func faultReason(kind failure.Kind) string {
	switch kind {
	case failure.KindSSL, failure.KindServerCertUntrusted:
		return "unable to establish a trusted connection to the gateway"
	case failure.KindBadCredentials, failure.KindCredentialsRequired, failure.KindOperationCanceled:
		return "gateway credentials were rejected or are unavailable"
	case failure.KindClientCertRevoked, failure.KindClientCertificate, failure.KindCertificateAlreadyIssued,
		failure.KindKeyStoreCorrupt, failure.KindUnrecoverableKey:
		return "client certificate for the gateway is unavailable"
	case failure.KindResponseValidation:
		return "gateway response failed validation"
	case failure.KindConfiguration, failure.KindPolicyAssertion, failure.KindPolicyRetryable:
		return "unable to conform to the gateway policy"
	default:
		return "unable to forward the request to the gateway"
	}
}

// attachmentKey derives the policy key of a client request.
func attachmentKey(req *message.Message, r *http.Request) policy.AttachmentKey {
	key := policy.AttachmentKey{
		SOAPAction: r.Header.Get("SOAPAction"),
		ProxyURI:   "/" + r.PathValue("path"),
	}
	if !req.IsSOAP() {
		return key
	}
	if doc, err := req.Document(); err == nil {
		key.URI = message.PayloadNamespace(doc)
	}
	return key
}

func originalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.jsonResponse(w, map[string]string{"error": msg}, status)
}
