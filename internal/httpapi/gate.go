package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"botdeck.io/internal/token"
)

// Cookie names per token kind, plus the opaque anonymous session.
const (
	cookieUser  = "bd_user"
	cookieAdmin = "bd_admin"
	cookieEmbed = "bd_embed"
	cookieAnon  = "bd_anon"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	embedQuery = "token"
)

func cookieName(kind token.Kind) string {
	switch kind {
	case token.KindAdmin:
		return cookieAdmin
	case token.KindEmbed:
		return cookieEmbed
	default:
		return cookieUser
	}
}

// credential extracts the raw token for a kind. Precedence is fixed:
// cookie, then Authorization header, then (embed only) query parameter.
// The query parameter covers the first iframe hop, where the partner
// page cannot set our cookie; fromQuery tells the caller to re-issue
// the token as a cookie.
func credential(r *http.Request, kind token.Kind) (raw string, fromQuery bool) {
	if c, err := r.Cookie(cookieName(kind)); err == nil && c.Value != "" {
		return c.Value, false
	}
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		if strings.HasPrefix(header, bearer) {
			if tok := strings.TrimSpace(header[len(bearer):]); tok != "" {
				return tok, false
			}
		}
	}
	if kind == token.KindEmbed {
		if tok := r.URL.Query().Get(embedQuery); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// RequireKind resolves and verifies the request credential for one token
// kind and attaches the Principal to the context. A wrong-kind token is
// treated exactly like a missing one: 401, never 403.
func (a *API) RequireKind(kind token.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, fromQuery := credential(r, kind)
			principal, err := a.deps.Tokens.Verify(raw, kind)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if fromQuery {
				// First embed hop arrived by query parameter; move the
				// token into a cookie so later requests drop it from URLs.
				a.setAuthCookie(w, kind, raw, time.Now().Add(a.deps.TTLs.Embed))
			}
			ctx := token.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSuperAdmin gates an already-authenticated admin route to the
// super_admin role. This is the only 403 the gate produces.
func (a *API) RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := token.PrincipalFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !principal.IsSuperAdmin() {
			respondError(w, http.StatusForbidden, "super_admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) setAuthCookie(w http.ResponseWriter, kind token.Kind, value string, expires time.Time) {
	sameSite := http.SameSiteLaxMode
	if kind == token.KindEmbed {
		// Embed tokens ride inside partner iframes, which is exactly the
		// cross-site case SameSite=Lax blocks.
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(kind),
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.deps.Production || sameSite == http.SameSiteNoneMode,
		SameSite: sameSite,
	})
}

func (a *API) clearAuthCookie(w http.ResponseWriter, kind token.Kind) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName(kind),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.deps.Production,
	})
}

// anonSession returns the opaque anonymous session id, minting one and
// setting the bd_anon cookie when absent. The id is never verified and
// never becomes a Principal; it only keys the throttle.
func (a *API) anonSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(cookieAnon); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieAnon,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.deps.Production,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// anonLimiter is a token-bucket map keyed by anonymous session id, with
// idle buckets evicted so the map stays bounded.
type anonLimiter struct {
	mu      sync.Mutex
	buckets map[string]*anonBucket
	rps     rate.Limit
	burst   int
}

type anonBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const anonBucketTTL = 10 * time.Minute

func newAnonLimiter(rps float64, burst int) *anonLimiter {
	l := &anonLimiter{
		buckets: make(map[string]*anonBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.evict()
	return l
}

func (l *anonLimiter) Allow(session string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[session]
	if !ok {
		b = &anonBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[session] = b
	}
	b.seen = time.Now()
	return b.lim.Allow()
}

func (l *anonLimiter) evict() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for k, b := range l.buckets {
			if now.Sub(b.seen) > anonBucketTTL {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}
