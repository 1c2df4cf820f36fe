package api

import (
	"log/slog"
	"net/http"

	"github.com/funagig/gigrelay/ratelimit"
)

// RateLimit gates a route with the policy registered for endpoint. The
// budget is per user once a session is known, per client address otherwise.
func (a *API) RateLimit(endpoint string) func(http.Handler) http.Handler {
	policy := ratelimit.PolicyFor(endpoint)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identityFromContext(r.Context())
			res := a.limiter.Check(ratelimit.Identity(endpoint, id.UserID, id.ClientIP), policy)
			ratelimit.WriteHeaders(w, res)
			if !res.Allowed {
				a.audit.logFailure(AuditRateLimited, r, "rate limit exceeded",
					slog.String("endpoint", endpoint),
					slog.Int("retry_after", res.RetryAfterSeconds()),
				)
				writeError(w, http.StatusTooManyRequests, ratelimit.RetryMessage(res.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
