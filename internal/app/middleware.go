package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/atlas-erp/atlas/internal/observability"
	"github.com/atlas-erp/atlas/internal/platform/httpx"
	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/shared"
)

// SubjectSource resolves the authorization subject for an authenticated
// user id.
type SubjectSource interface {
	FindSubject(ctx context.Context, userID int64) (policy.User, error)
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger   *slog.Logger
	Config   *Config
	Subjects SubjectSource
	Metrics  *observability.Metrics
}

// MiddlewareStack installs the Atlas middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		SubjectMiddleware(cfg.Subjects, cfg.Logger),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// SubjectMiddleware resolves the caller asserted by the upstream gateway via
// the X-User-ID header into an authorization subject. Requests without the
// header pass through unauthenticated; protected routes reject them later.
// Token validation happens upstream and is out of scope here.
func SubjectMiddleware(subjects SubjectSource, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if raw == "" || subjects == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid user id header")
				return
			}
			subject, err := subjects.FindSubject(r.Context(), userID)
			if err != nil {
				if errors.Is(err, httpx.ErrNotFound) {
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown user")
					return
				}
				if logger != nil {
					logger.Error("resolve subject", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			ctx := shared.ContextWithSubject(r.Context(), subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
