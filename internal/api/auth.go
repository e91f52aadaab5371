package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"rently/internal/config"
	"rently/internal/domain"
	"rently/internal/models"

	"github.com/rs/zerolog"
)

const apiKeyHeaderDefault = "x-api-key"

// HTTPAuth resolves the API key of each request to a principal and applies
// per-key rate limiting.
type HTTPAuth struct {
	header   string
	identity domain.IdentityProvider
	limiter  *rateLimiter
	public   map[string]bool
	logger   *zerolog.Logger
}

func NewHTTPAuth(cfg config.APIConfig, identity domain.IdentityProvider, logger *zerolog.Logger) *HTTPAuth {
	header := strings.TrimSpace(strings.ToLower(cfg.Auth.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	return &HTTPAuth{
		header:   header,
		identity: identity,
		limiter:  newRateLimiter(cfg.RateLimit),
		public:   map[string]bool{"/healthz": true, "/readyz": true},
		logger:   logger,
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(a.header))
		p, err := a.identity.Resolve(r.Context(), key)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			a.logger.Error().Err(err).Msg("Failed to resolve principal")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if !a.limiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated principal of the request.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}
