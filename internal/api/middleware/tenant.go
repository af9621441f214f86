package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/marketing-pipeline/pkg/middleware"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Tenant headers.
const (
	HeaderOrg   = "X-Org-Id"
	HeaderBrand = "X-Brand-Id"
	HeaderUser  = "X-User-Id"
)

// TenantExtractor reads the tenant from the request headers. The org and
// brand query parameters are accepted when the headers are absent.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := models.TenantContext{
			OrganizationID: firstOf(r.Header.Get(HeaderOrg), r.URL.Query().Get("org")),
			BrandID:        firstOf(r.Header.Get(HeaderBrand), r.URL.Query().Get("brand")),
			UserID:         strings.TrimSpace(r.Header.Get(HeaderUser)),
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetTenant(r.Context(), tenant)))
	})
}

// RequireTenant rejects requests that name no organization or brand.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := pkgmw.GetTenant(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error": HeaderOrg + " and " + HeaderBrand + " headers are required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetTenant retrieves the tenant from the request context.
func GetTenant(r *http.Request) models.TenantContext {
	t, _ := pkgmw.GetTenant(r.Context())
	return t
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
