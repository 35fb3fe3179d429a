package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
)

const tenantHeader = "X-Tenant-ID"

type credentialsRequest struct {
	TenantID   string            `json:"tenant_id"`
	Identifier string            `json:"identifier"`
	Credential string            `json:"credential"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type statusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	role := auth.Role(chi.URLParam(r, "role"))
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if spec, ok := a.svc.Roles().Lookup(role); ok && spec.Scope == auth.ScopeGlobal && !a.global {
		writeError(w, r, http.StatusForbidden, "forbidden", "self registration is not available for this role")
		return
	}
	tenant := tenantOf(r, req.TenantID)

	sess, err := a.svc.Join(r.Context(), auth.JoinRequest{
		TenantID:   tenant,
		Role:       role,
		Identifier: req.Identifier,
		Credential: req.Credential,
		Attributes: req.Attributes,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventJoin, map[string]string{
		"subject_id": sess.SubjectID,
		"role":       string(role),
		"tenant_id":  tenant,
	})
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	role := auth.Role(chi.URLParam(r, "role"))
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if len(req.Attributes) > 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "attributes are only accepted on join")
		return
	}
	tenant := tenantOf(r, req.TenantID)

	sess, err := a.svc.Login(r.Context(), auth.LoginRequest{
		TenantID:   tenant,
		Role:       role,
		Identifier: req.Identifier,
		Credential: req.Credential,
	})
	if err != nil {
		_ = a.audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]string{
			"role":      string(role),
			"tenant_id": tenant,
			"reason":    auth.Kind(err),
			"client_ip": clientIP(r),
		})
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventLogin, map[string]string{
		"subject_id": sess.SubjectID,
		"role":       string(role),
		"tenant_id":  tenant,
	})
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	sess, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		_ = a.audit.LogEvent(r.Context(), audit.EventRefreshDenied, map[string]string{
			"reason":    auth.Kind(err),
			"client_ip": clientIP(r),
		})
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventRefresh, map[string]string{
		"subject_id": sess.SubjectID,
	})
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.RevokeAll(r.Context(), principal.SubjectID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventRevokeAll, map[string]string{
		"subject_id": principal.SubjectID,
		"revoked":    strconv.FormatInt(n, 10),
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principal)
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	status := auth.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if err := a.svc.SetIdentityStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "identity not found")
			return
		}
		a.writeAuthError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventStatus, map[string]string{
		"subject_id": id,
		"status":     string(status),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": id,
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
}

// tenantOf prefers the body value and falls back to the X-Tenant-ID header.
func tenantOf(r *http.Request, body string) string {
	if t := strings.TrimSpace(body); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(tenantHeader))
}
