package multitenancy

import (
	"context"
	"errors"
	"net/http"

	"github.com/trapsight/backend/internal/database"
)

// ============================================================================
// MULTI-TENANT SUPPORT
// ============================================================================

// TenantManager resolves and validates tenants. Every admin request runs
// inside a tenant scope; device-facing endpoints derive the tenant from
// the device row instead.
type TenantManager struct {
	store database.Store
}

// NewTenantManager creates a tenant manager backed by the store.
func NewTenantManager(store database.Store) *TenantManager {
	return &TenantManager{store: store}
}

// LoadTenant validates that the tenant exists.
func (tm *TenantManager) LoadTenant(ctx context.Context, tenantID string) (*database.Tenant, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id required")
	}
	return tm.store.GetTenant(ctx, tenantID)
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant adds tenant ID to context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("tenant context missing")
	}
	return id, nil
}

// Middleware reads X-Tenant-ID, validates it against the store and scopes
// the request context. Requests without a valid tenant are rejected.
func (tm *TenantManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			http.Error(w, `{"success":false,"error":"X-Tenant-ID header required"}`, http.StatusUnauthorized)
			return
		}
		if _, err := tm.LoadTenant(r.Context(), tenantID); err != nil {
			http.Error(w, `{"success":false,"error":"unknown tenant"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}
