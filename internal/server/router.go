package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
)

// Dispatcher 把拦截到的请求交给当前 controller，测试中可注入假实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *agent.Request) (*agent.Response, error)

// Dispatch makes DispatcherFunc satisfy Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Dispatcher Dispatcher
	Origin     *url.URL
	ListenPort int
}

const (
	contextKeyRequestID = "_swagent_request_id"

	// HeaderSource 标记响应来自网络、缓存还是合成。
	HeaderSource = "X-Sw-Agent-Source"
)

// NewApp builds a Fiber application that intercepts every non-diagnostics
// request and renders the agent's decision.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return handleIntercepted(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func handleIntercepted(c fiber.Ctx, opts AppOptions) error {
	started := time.Now()
	req, err := buildAgentRequest(c, opts)
	if err != nil {
		opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action":     "intercept",
			"request_id": RequestID(c),
		}).Warn("request_rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	resp, err := opts.Dispatcher.Dispatch(c.Context(), req)
	fields := logrus.Fields{
		"action":     "intercept",
		"request_id": RequestID(c),
		"method":     req.Method,
		"url":        req.URL.String(),
		"mode":       string(req.Mode),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	switch {
	case err != nil:
		opts.Logger.WithError(err).WithFields(fields).Warn("dispatch_failed")
		c.Set(HeaderSource, string(agent.SourceNetwork))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	case resp.IsError():
		fields["source"] = string(agent.SourceSynthetic)
		opts.Logger.WithFields(fields).Info("intercept_complete")
		c.Set(HeaderSource, string(agent.SourceSynthetic))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_error"})
	}

	fields["status"] = resp.Status
	fields["source"] = string(resp.Source)
	opts.Logger.WithFields(fields).Info("intercept_complete")
	return writeResponse(c, req, resp)
}

// buildAgentRequest 把 fiber 请求转换为 agent.Request。Host 命中 origin 或本机监听地址时视为同源。
func buildAgentRequest(c fiber.Ctx, opts AppOptions) (*agent.Request, error) {
	host := strings.TrimSpace(getHostHeader(c))
	if host == "" {
		return nil, errors.New("missing host")
	}

	uri := c.Request().URI()
	target := &url.URL{
		Scheme: "http",
		Host:   host,
		Path:   string(uri.Path()),
	}
	if query := uri.QueryString(); len(query) > 0 {
		target.RawQuery = string(query)
	}
	if c.Scheme() == "https" {
		target.Scheme = "https"
	}
	if strings.EqualFold(host, opts.Origin.Host) || isLocalListenHost(host, opts.ListenPort) {
		target.Scheme = opts.Origin.Scheme
		target.Host = opts.Origin.Host
	}

	header := http.Header{}
	CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del(fiber.HeaderHost)

	req := &agent.Request{
		Method:      strings.ToUpper(c.Method()),
		URL:         target,
		Mode:        requestMode(c),
		Destination: strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Dest"))),
		Header:      header,
		Body:        append([]byte(nil), c.Body()...),
	}
	return req, nil
}

// requestMode 读取 Sec-Fetch-Mode；缺失时把接受 HTML 的 GET 请求视为导航。
func requestMode(c fiber.Ctx) agent.Mode {
	if mode := strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Mode"))); mode != "" {
		return agent.Mode(mode)
	}
	if c.Method() == fiber.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html") {
		return agent.ModeNavigate
	}
	return agent.ModeNoCORS
}

func writeResponse(c fiber.Ctx, req *agent.Request, resp *agent.Response) error {
	for key, values := range resp.Header {
		if agent.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set(HeaderSource, string(resp.Source))
	c.Status(resp.Status)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func isLocalListenHost(host string, port int) bool {
	name, rawPort, err := net.SplitHostPort(host)
	if err != nil || rawPort != strconv.Itoa(port) {
		return false
	}
	switch strings.ToLower(name) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// getHostHeader 返回带端口的 Host；本机监听地址的判断依赖端口。
func getHostHeader(c fiber.Ctx) string {
	candidates := []string{
		c.Host(),
		string(c.Request().Host()),
		string(c.Request().URI().Host()),
		string(c.Request().Header.Peek(fiber.HeaderHost)),
	}
	fallback := ""
	for _, host := range candidates {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(host); err == nil {
			return host
		}
		if fallback == "" {
			fallback = host
		}
	}
	if fallback == "" {
		return c.Hostname()
	}
	return fallback
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
