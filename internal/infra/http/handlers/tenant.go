package handlers

import (
	"context"
	"net/http"
	"regexp"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xavierca1/leadsync/internal/logger"
)

const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

var tenantShape = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Tenant scopes each request to the X-Tenant-ID header, or to fallback when
// the header is absent, and annotates the request logger.
func Tenant(fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := r.Header.Get(TenantHeader)
			if tenant == "" {
				tenant = fallback
			}
			if !tenantShape.MatchString(tenant) {
				writeErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "invalid "+TenantHeader)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey{}, tenant)
			ctx = logger.WithRequest(ctx, chimw.GetReqID(ctx), tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}
