// Package gateway is the bridge's HTTP surface: the callback endpoint the
// messaging gateway pushes events to, the admin API, and the published
// asset files.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/backends"
	"github.com/nextlevelbuilder/wxbridge/internal/config"
)

// maxCallbackBody caps inbound callback payloads.
const maxCallbackBody = 1 << 20

// CallbackHandler processes one raw gateway push and returns the
// acknowledgement body. *engine.Engine satisfies it.
type CallbackHandler interface {
	HandleInboundCallback(raw []byte) string
}

// OnlineChecker reports account login state for /api/online.
// *wechat.Client satisfies it.
type OnlineChecker interface {
	CheckOnline(ctx context.Context) (bool, error)
}

// Server hosts the callback endpoint and admin API on a single listener.
type Server struct {
	cfg      *config.Config
	cfgPath  string
	handler  CallbackHandler
	selector *backends.Selector
	online   OnlineChecker
	assets   http.Handler
	limiter  *SourceRateLimiter

	// onConfigSaved runs after an admin API change is persisted, e.g. to
	// push new engine options. May be nil.
	onConfigSaved func(*config.Config)

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the HTTP server. assets may be nil when no asset
// publishing is configured.
func NewServer(cfg *config.Config, cfgPath string, handler CallbackHandler, selector *backends.Selector, online OnlineChecker, assets http.Handler, onConfigSaved func(*config.Config)) *Server {
	return &Server{
		cfg:           cfg,
		cfgPath:       cfgPath,
		handler:       handler,
		selector:      selector,
		online:        online,
		assets:        assets,
		limiter:       NewSourceRateLimiter(),
		onConfigSaved: onConfigSaved,
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /callback", s.handleCallback)
	// Some gateway builds probe the callback URL with GET before saving it.
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "success")
	})

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/online", s.requireAdmin(s.handleOnline))
	mux.HandleFunc("GET /api/config", s.requireAdmin(s.handleGetConfig))
	mux.HandleFunc("POST /api/platform", s.requireAdmin(s.handleSetPlatform))
	mux.HandleFunc("POST /api/dify", s.requireAdmin(s.handleSetDify))
	mux.HandleFunc("POST /api/coze", s.requireAdmin(s.handleSetCoze))
	mux.HandleFunc("POST /api/gateway", s.requireAdmin(s.handleSetGateway))

	if s.assets != nil {
		mux.Handle("GET /assets/", s.assets)
	}

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.GatewaySnapshot()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// handleCallback feeds one gateway push to the engine. The gateway retries
// anything that is not acknowledged, so every outcome — including
// rate-limited or unreadable requests — still answers "success".
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ack := "success"
	defer func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, ack)
	}()

	if !s.limiter.Allow(sourceIP(r)) {
		slog.Warn("callback rate limited", "source", sourceIP(r))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		slog.Warn("callback body unreadable", "error", err)
		return
	}
	ack = s.handler.HandleInboundCallback(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.selector.Current().ID(),
	})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if s.online == nil {
		writeError(w, http.StatusServiceUnavailable, "no messaging gateway configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	online, err := s.online.CheckOnline(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.MaskedCopy())
}

func (s *Server) handleSetPlatform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Platform != "dify" && req.Platform != "coze" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", req.Platform))
		return
	}
	s.cfg.SetPlatform(req.Platform)
	s.applyBackendChange(w)
}

func (s *Server) handleSetDify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg.SetDify(req.BaseURL, req.APIKey)
	s.applyBackendChange(w)
}

func (s *Server) handleSetCoze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL  string `json:"base_url"`
		BotID    string `json:"bot_id"`
		APIToken string `json:"api_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg.SetCoze(req.BaseURL, req.BotID, req.APIToken)
	s.applyBackendChange(w)
}

func (s *Server) handleSetGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
		AppID   string `json:"app_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg.SetWechat(req.BaseURL, req.Token, req.AppID)
	// A messaging gateway change needs a restart to rebuild the client;
	// persist now so the restart picks it up.
	if err := s.persist(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "note": "restart to apply messaging gateway changes"})
}

// applyBackendChange persists the config and hot-swaps the adapter. On a
// swap failure (e.g. missing credentials for the new platform) the old
// adapter stays active and the client gets the build error.
func (s *Server) applyBackendChange(w http.ResponseWriter) {
	if err := s.persist(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.selector.Reload(s.cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "applied",
		"backend": s.selector.Current().ID(),
	})
}

func (s *Server) persist() error {
	// A mask placeholder round-tripped from /api/config must never land on
	// disk as a credential.
	s.cfg.StripMaskedSecrets()
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if s.onConfigSaved != nil {
		s.onConfigSaved(s.cfg)
	}
	return nil
}

// requireAdmin enforces the bearer token on admin endpoints. With no token
// configured the API is open, for localhost-only deployments.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.GatewaySnapshot().AdminToken
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
