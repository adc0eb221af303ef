package api

import (
	"net/http"
	"strings"

	"github.com/Priya8975/notifly/internal/requeue"
)

// Headers set by the fronting auth proxy.
const (
	headerRole     = "X-Role"
	headerTenantID = "X-Tenant-ID"
)

// callerFrom reads the caller identity. A request with neither header is an
// operator; a tenant id without a role is a tenant. Any role other than admin
// is tenant-scoped.
func callerFrom(r *http.Request) requeue.Caller {
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole)))
	tenantID := strings.TrimSpace(r.Header.Get(headerTenantID))
	if role == "" {
		role = requeue.RoleAdmin
		if tenantID != "" {
			role = requeue.RoleTenant
		}
	}
	return requeue.Caller{Role: role, TenantID: tenantID}
}
