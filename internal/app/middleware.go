package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/labdesk/labdesk/internal/auth"
	"github.com/labdesk/labdesk/internal/observability"
	"github.com/labdesk/labdesk/internal/platform/httpx"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRatePerMinute  = 120
	defaultBodyBytes      = 1 << 20
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Tokens  *auth.TokenIssuer
	Metrics *observability.Metrics
}

// MiddlewareStack returns the global chain in order: request identity and
// recovery, security headers, throttling, metrics, then bearer authentication.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stack := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.CleanPath,
		middleware.Timeout(requestTimeout(cfg.Config)),
		middleware.RequestSize(bodyLimit(cfg.Config)),
		secureHeaders(cfg.Config, logger),
		middleware.Compress(5, "application/json", "text/csv"),
		rateLimiter(cfg.Config),
	}
	if cfg.Metrics != nil {
		stack = append(stack, cfg.Metrics.Middleware)
	}
	if cfg.Tokens != nil {
		stack = append(stack, auth.Bearer(cfg.Tokens))
	}
	return stack
}

// bodyLimit is the global request body cap; upload handlers enforce ImportMaxBytes themselves.
func bodyLimit(cfg *Config) int64 {
	if cfg != nil && cfg.ImportMaxBytes > defaultBodyBytes {
		return cfg.ImportMaxBytes
	}
	return defaultBodyBytes
}

func requestTimeout(cfg *Config) time.Duration {
	if cfg == nil || cfg.AppRequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.AppRequestTimeout
}

// secureHeaders sets the API's response headers. HTTPS redirects only apply in production.
func secureHeaders(cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	s := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           cfg.IsProduction(),
		STSSeconds:            stsSeconds(cfg),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.Process(w, r); err != nil {
				logger.Warn("secure headers rejected request",
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Any("error", err))
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request rejected")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func stsSeconds(cfg *Config) int64 {
	if cfg.IsProduction() {
		return int64((180 * 24 * time.Hour).Seconds())
	}
	return 0
}

// rateLimiter throttles per client IP with an RFC 7807 body on 429.
func rateLimiter(cfg *Config) func(http.Handler) http.Handler {
	perMinute := defaultRatePerMinute
	if cfg != nil && cfg.RateLimitPerMinute > 0 {
		perMinute = cfg.RateLimitPerMinute
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
		}),
	)
}
