package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ErrInvalidTenant is returned for tenant ids that are not safe to use in
// a schema name.
var ErrInvalidTenant = errors.New("invalid tenant identifier")

// ValidTenantID reports whether id may be used as a tenant identifier.
func ValidTenantID(id string) bool { return tenantIDPattern.MatchString(id) }

// SchemaName returns the schema that holds a tenant's tables.
func SchemaName(tenantID string) string { return "tenant_" + tenantID }

// TenantMiddleware resolves the tenant for the request and runs the handler
// on a connection whose search_path points at the tenant schema.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			err := WithTenant(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				return next(c)
			})
			var te *tenantConnError
			if errors.As(err, &te) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return err
		}
	}
}

type tenantConnError struct{ err error }

func (e *tenantConnError) Error() string { return e.err.Error() }
func (e *tenantConnError) Unwrap() error { return e.err }

// WithTenant acquires a connection, points its search_path at the tenant
// schema and calls fn with a context carrying both the tenant id and the
// connection. The connection is released when fn returns.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &tenantConnError{fmt.Errorf("acquire connection: %w", err)}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID))); err != nil {
		return &tenantConnError{fmt.Errorf("set search_path for %s: %w", tenantID, err)}
	}
	// Reset before the connection goes back to the pool.
	defer conn.Exec(context.Background(), "RESET search_path")

	ctx = WithTenantID(ctx, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	// 2. X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	// 3. query parameter
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// WithTenantID returns a context carrying the tenant id without a
// connection.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema for a tenant and applies every
// pending migration to it. A nil migrator skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}

	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
