package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/legacyimport/internal/platform/auth"
	"github.com/ehr/legacyimport/internal/platform/db"
)

// AuditEntry records who touched which import resource.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string // uploads, runs
	ResourceID string
	Action     string // upload, preview, commit, delete, read
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/imports/ with the authenticated
// user and tenant. Entries also go to the first recorder when one is given.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			resource, id, sub := splitImportPath(path)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				TenantID:   db.TenantFromContext(ctx),
				Resource:   resource,
				ResourceID: id,
				Action:     importAction(req.Method, sub),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: c.Response().Status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "import_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tenant", entry.TenantID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("import_access")

			return err
		}
	}
}

const auditPrefix = "/api/v1/imports/"

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, auditPrefix)
}

// splitImportPath splits /api/v1/imports/<resource>[/<id>[/<sub>]].
// An id that is not a UUID is dropped.
func splitImportPath(path string) (resource, id, sub string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, auditPrefix), "/"), "/")
	resource = segs[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segs) > 1 && isUUIDLike(segs[1]) {
		id = segs[1]
	}
	if len(segs) > 2 {
		sub = segs[2]
	}
	return resource, id, sub
}

func importAction(method, sub string) string {
	switch {
	case method == http.MethodDelete:
		return "delete"
	case sub == "commit":
		return "commit"
	case sub == "preview":
		return "preview"
	case method == http.MethodPost:
		return "upload"
	default:
		return "read"
	}
}

func isUUIDLike(s string) bool {
	if len(s) < 1 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
