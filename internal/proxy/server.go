// Package proxy is the HTTP surface: the provider relay routes, the telemetry WebSocket and
// the small inspection API.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Howardzhangdqs/livetoken/internal/hub"
	"github.com/Howardzhangdqs/livetoken/internal/logger"
	"github.com/Howardzhangdqs/livetoken/internal/monitor"
	"github.com/Howardzhangdqs/livetoken/internal/relay"
	"github.com/Howardzhangdqs/livetoken/internal/tokens"
)

type Server struct {
	opts     Options
	upstream atomic.Pointer[Upstream]
	client   *http.Client

	store     *monitor.Store
	hub       *hub.Hub
	anthropic *relay.Relay
	openai    *relay.Relay

	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires the routes. metrics may be nil, in which case /metrics is not served.
func NewServer(opts Options, store *monitor.Store, h *hub.Hub, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	s := &Server{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.UpstreamTimeout,
			Transport: transport,
		},
		store:     store,
		hub:       h,
		anthropic: relay.NewAnthropic(store, h, log),
		openai:    relay.NewOpenAI(store, h, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log,
	}
	s.SetUpstream(opts.Upstream)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/v1/messages", s.handleMessages)
	e.POST("/messages", s.handleMessages)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/ws", s.handleTelemetry)
	e.GET("/api/request/:id", s.handleRequestDetail)
	e.POST("/api/clear-history", s.handleClearHistory)
	e.GET("/api/stats", s.handleStats)
	e.GET("/api/history", s.handleHistory)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	s.echo = e
	return s
}

// SetUpstream swaps the upstream settings. In-flight requests keep the settings they started with.
func (s *Server) SetUpstream(u Upstream) {
	s.upstream.Store(&u)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HTTPServer returns an http.Server for addr. WriteTimeout stays zero for long streams.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       90 * time.Second,
	}
}

func (s *Server) handleMessages(c echo.Context) error {
	up := s.upstream.Load()
	return s.forward(c, s.anthropic, joinURL(up.AnthropicBaseURL, "/v1/messages"), anthropicHeaders(up, c.Request().Header))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	up := s.upstream.Load()
	return s.forward(c, s.openai, joinURL(up.OpenAIBaseURL, "/v1/chat/completions"), openAIHeaders(up, c.Request().Header))
}

// forward relays one provider call and drives its record from creation to completion.
func (s *Server) forward(c echo.Context, rl *relay.Relay, target string, header http.Header) error {
	req := c.Request()

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(s.opts.MaxRequestBytes)+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "failed to read body"})
	}
	_ = req.Body.Close()
	if len(body) > s.opts.MaxRequestBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	}

	var env requestEnvelope
	_ = json.Unmarshal(body, &env)
	model := FirstNonEmpty(env.Model, "unknown")

	m := s.store.Create(rl.Provider().APIType(), model)
	if json.Valid(body) {
		s.store.SetRequestBody(m.ID, body)
	}
	m, _ = s.store.SetInputTokens(m.ID, tokens.EstimateInputJSON(body))
	s.hub.Started(m)

	log := s.logger.With("request_id", m.ID, "api_type", string(m.APIType), "model", model)
	ctx := logger.WithContext(req.Context(), log)

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		rl.Abort(m.ID, "failed to create upstream request")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create upstream request"})
	}
	upReq.Header = header

	upResp, err := s.client.Do(upReq)
	if err != nil {
		reason := "upstream request failed"
		if ctx.Err() != nil {
			reason = relay.ReasonClientGone
		}
		log.Warn("upstream request failed", logger.Err(err))
		rl.Abort(m.ID, reason)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "upstream request failed"})
	}
	defer upResp.Body.Close()

	res := c.Response()
	copyResponseHeaders(res.Header(), upResp.Header)

	if upResp.StatusCode/100 != 2 {
		res.WriteHeader(upResp.StatusCode)
		err := rl.Reject(res, upResp.Body, m.ID, upResp.StatusCode)
		log.Warn("upstream rejected request", "status", upResp.StatusCode, logger.Err(err))
		return nil
	}

	if env.Stream {
		if in := rl.Provider().HeaderUsage(upResp.Header).InputTokens; in > 0 {
			s.store.SetInputTokens(m.ID, in)
		}
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Del(echo.HeaderContentLength)
		res.WriteHeader(upResp.StatusCode)
		if err := rl.Stream(ctx, res, upResp.Body, m.ID); err != nil {
			log.Info("stream ended early", logger.Err(err))
		}
		return nil
	}

	res.WriteHeader(upResp.StatusCode)
	capture := newLimitedCapture(s.opts.CaptureBytes)
	out := &flushWriter{w: res}
	if _, err := io.Copy(out, io.TeeReader(upResp.Body, capture)); err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = relay.ReasonClientGone
		}
		log.Info("response copy ended early", logger.Err(err))
		rl.Abort(m.ID, reason)
		return nil
	}
	if capture.Truncated() {
		log.Warn("response larger than capture limit, usage not parsed", "limit", s.opts.CaptureBytes)
	}
	rl.Whole(capture.Bytes(), m.ID)
	return nil
}

func (s *Server) handleTelemetry(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logger.Err(err))
		return nil
	}

	conn := hub.NewConn(ws, s.opts.ObserverBuffer, s.opts.ObserverWriteTimeout)
	if err := s.hub.Connect(conn); err != nil {
		s.logger.Info("telemetry replay failed", logger.Err(err))
		conn.Close()
		return nil
	}
	defer s.hub.Disconnect(conn)

	s.logger.Debug("telemetry observer connected", "remote", c.RealIP(), "observers", s.hub.Len())
	conn.Serve(c.Request().Context())
	return nil
}

func (s *Server) handleRequestDetail(c echo.Context) error {
	d, ok := s.store.Detail(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "Request not found"})
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleClearHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, clearResponse{Cleared: s.store.ClearHistory()})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Stats())
}

func (s *Server) handleHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		}
		limit = n
	}

	now := s.store.Now()
	records := s.store.History(limit)
	resp := historyResponse{Requests: make([]monitor.Event, 0, len(records))}
	for _, m := range records {
		typ := monitor.EventComplete
		if m.Error != "" {
			typ = monitor.EventError
		}
		resp.Requests = append(resp.Requests, m.Event(typ, now))
	}
	return c.JSON(http.StatusOK, resp)
}

// flushWriter flushes after every write so non-streamed bodies are not held back either.
type flushWriter struct {
	w *echo.Response
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.w.Flush()
	return n, err
}
