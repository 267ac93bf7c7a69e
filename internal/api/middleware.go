package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	statssvc "github.com/lakekeeper/lakekeeper-go/internal/services/stats"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	actorContextKey     contextKey = "actor"
	principalContextKey contextKey = "principal"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "lakekeeper_request_duration_seconds",
	Help:    "Request latency by route and status.",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "method", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// Middleware contains authentication middleware
type Middleware struct {
	engine *Engine
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{engine: engine}
}

// Authentication resolves the bearer token to an actor. With no
// authenticators configured (dev mode), requests run as the anonymous-dev
// principal so the allow-all backend still gates anonymity.
func (m *Middleware) Authentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)

		if m.engine.authn == nil {
			actor := authz.Principal("anonymous-dev")
			ctx := context.WithValue(r.Context(), actorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if token == "" {
			writeError(w, m.engine.logger, errUnauthorized("authorization token is required"))
			return
		}

		principal, err := m.engine.authn.Authenticate(r.Context(), token)
		if err != nil {
			m.engine.logger.Audit(auditAuthFailure(r, err))
			writeError(w, m.engine.logger, errUnauthorized("invalid or expired token"))
			return
		}

		// Provision or refresh the user on every authenticated request;
		// update-on-login keeps name and email fresh.
		if _, err := m.engine.Users.Provision(r.Context(),
			principal.Subject, principal.Name, principal.Email, principal.Kind, "login"); err != nil {
			m.engine.logger.Warnf("Failed to provision user %s: %v", principal.Subject, err)
		}

		actor := authz.Principal(principal.Subject)
		if assumed := r.Header.Get("X-Assume-Role"); assumed != "" {
			if roleID, err := uuid.Parse(assumed); err == nil {
				if err := m.engine.authorize(r.Context(), actor, authz.CheckItem{
					Operation: "role.assume",
					Entity:    authz.Entity{Kind: authz.EntityRole, ID: roleID.String()},
				}); err != nil {
					writeError(w, m.engine.logger, err)
					return
				}
				actor = authz.AssumedRole(principal.Subject, roleID.String())
			}
		}

		ctx := context.WithValue(r.Context(), actorContextKey, actor)
		ctx = context.WithValue(ctx, principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the request actor, anonymous when unauthenticated.
func actorFrom(r *http.Request) authz.Actor {
	if actor, ok := r.Context().Value(actorContextKey).(authz.Actor); ok {
		return actor
	}
	return authz.Anonymous()
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// timeoutMiddleware bounds every request by the configured maximum; on
// expiry in-flight transactions roll back with the context.
func (e *Engine) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), e.cfg.MaxRequestTime)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statsMiddleware increments the in-process endpoint counters and the
// Prometheus histogram.
func (e *Engine) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeTemplate(r)
		requestDuration.WithLabelValues(route, r.Method, httpStatusClass(recorder.status)).
			Observe(time.Since(start).Seconds())

		key := statssvc.Key{
			Endpoint:   endpointCode(r.Method, route),
			StatusCode: recorder.status,
		}
		if wh := mux.Vars(r)["prefix"]; wh != "" {
			if id, err := uuid.Parse(wh); err == nil {
				key.WarehouseID = id
			}
		} else if wh := mux.Vars(r)["warehouse"]; wh != "" {
			if id, err := uuid.Parse(wh); err == nil {
				key.WarehouseID = id
			}
		}
		e.Stats.Record(key)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// endpointCode is the canonical endpoint identifier: the lowercased method
// followed by the route, with the API root shortened to "v1" and path
// parameters unbraced, e.g. "postv1-prefix-namespaces-namespace-tables".
func endpointCode(method, route string) string {
	code := strings.ToLower(method) + route
	code = strings.NewReplacer(
		"/catalog/v1", "v1",
		"/management/v1", "v1-management",
		"{prefix}", "prefix",
		"{namespace}", "namespace",
		"{table}", "table",
		"{view}", "view",
		"{warehouse}", "warehouse",
		"/", "-",
	).Replace(code)
	return code
}

func httpStatusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
