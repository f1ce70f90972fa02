package app

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/aegis-id/aegis/internal/observability"
	"github.com/aegis-id/aegis/internal/shared"
)

// ActorIDHeader carries the pre-established actor identity set by the
// authenticating gateway in front of this service.
const ActorIDHeader = "X-Actor-ID"

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the Aegis middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	actorMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := strings.TrimSpace(r.Header.Get(ActorIDHeader))
			if actorID != "" {
				ctx := shared.ContextWithActor(r.Context(), &shared.Actor{
					ID:        actorID,
					ClientIP:  clientIP(r),
					UserAgent: r.UserAgent(),
				})
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}

	stack := []func(http.Handler) http.Handler{
		secureMiddleware.Handler,
		actorMiddleware,
	}
	if cfg.Config != nil && cfg.Config.RateLimitRequests > 0 {
		stack = append(stack, httprate.LimitByIP(cfg.Config.RateLimitRequests, cfg.Config.RateLimitWindow))
	}
	if cfg.Metrics != nil {
		stack = append(stack, cfg.Metrics.Middleware)
	}
	return stack
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
