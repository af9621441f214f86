// Package middleware provides request-context helpers shared by the HTTP
// layer and anything embedding it.
//
// It lives in pkg/ (not internal/) so that an outer server can set the
// tenant from its own auth layer and still use the pipeline's handlers.
package middleware

import (
	"context"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

type contextKey string

const tenantKey contextKey = "tenant"

// SetTenant stores the request's tenant in the context.
func SetTenant(ctx context.Context, tenant models.TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// GetTenant returns the request's tenant. ok is false when no tenant was set
// or it lacks an organization or brand.
func GetTenant(ctx context.Context) (tenant models.TenantContext, ok bool) {
	tenant, _ = ctx.Value(tenantKey).(models.TenantContext)
	return tenant, tenant.OrganizationID != "" && tenant.BrandID != ""
}
