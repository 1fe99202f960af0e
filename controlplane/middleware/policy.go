package middleware

import (
	"context"
	"net/http"

	"github.com/switchyardhq/switchyard/controlplane/fault"
)

// Decision is the question put to the policy engine: may this principal
// perform this action on this resource.
type Decision struct {
	PrincipalID string
	Scopes      []string
	Action      string
	Resource    string
}

// Decider returns the policy verdict. Concrete policy engines (OPA and the
// like) live outside the core; only the interface is consumed here.
type Decider interface {
	Allow(ctx context.Context, d Decision) (bool, error)
}

// Actions checked by the API surface.
const (
	ActionSubmit    = "tasks.submit"
	ActionRead      = "tasks.read"
	ActionCancel    = "tasks.cancel"
	ActionWorker    = "worker"
	ActionSubscribe = "events.subscribe"
)

// AllowAll approves everything: the single-tenant default.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, d Decision) (bool, error) { return true, nil }

// ScopeDecider grants actions from the principal's token scopes.
type ScopeDecider struct{}

// required maps each action to the scope that unlocks it.
var required = map[string]string{
	ActionSubmit:    "tasks:write",
	ActionRead:      "tasks:read",
	ActionCancel:    "tasks:write",
	ActionWorker:    "worker",
	ActionSubscribe: "tasks:read",
}

func (ScopeDecider) Allow(ctx context.Context, d Decision) (bool, error) {
	scope, ok := required[d.Action]
	if !ok {
		return false, nil
	}
	for _, s := range d.Scopes {
		if s == scope {
			return true, nil
		}
	}
	return false, nil
}

// Authorize enforces the policy verdict for one action. It runs after
// Authenticate; the resource is the request path.
func Authorize(decider Decider, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeFault(w, r, fault.New(fault.Unauthenticated, "no principal"))
				return
			}
			allowed, err := decider.Allow(r.Context(), Decision{
				PrincipalID: principal.ID,
				Scopes:      principal.Scopes,
				Action:      action,
				Resource:    r.URL.Path,
			})
			if err != nil {
				writeFault(w, r, fault.Wrap(fault.Unavailable, err, "policy decision failed"))
				return
			}
			if !allowed {
				writeFault(w, r, fault.New(fault.Forbidden, "not allowed to %s", action))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
