package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/gateway"
	"github.com/felipepmaragno/ai-router/internal/keys"
	"github.com/felipepmaragno/ai-router/internal/router"
)

const maxBodyBytes = 1 << 20

type AdminHandler struct {
	svc  *gateway.Service
	auth *auth.RBACMiddleware
}

func newAdminHandler(svc *gateway.Service, rbac *auth.RBACMiddleware) *AdminHandler {
	return &AdminHandler{svc: svc, auth: rbac}
}

func (h *AdminHandler) register(mux *http.ServeMux) {
	h.handle(mux, "GET /admin/keys", auth.PermissionKeyRead, h.listKeys)
	h.handle(mux, "POST /admin/keys", auth.PermissionKeyWrite, h.addKey)
	h.handle(mux, "GET /admin/keys/rotation-due", auth.PermissionKeyRead, h.rotationDue)
	h.handle(mux, "GET /admin/keys/{provider}/available", auth.PermissionKeyRead, h.availableKeys)
	h.handle(mux, "GET /admin/keys/{provider}/{id}", auth.PermissionKeyRead, h.getKey)
	h.handle(mux, "DELETE /admin/keys/{provider}/{id}", auth.PermissionKeyDelete, h.deleteKey)
	h.handle(mux, "POST /admin/keys/{provider}/{id}/rotate", auth.PermissionKeyWrite, h.rotateKey)
	h.handle(mux, "POST /admin/keys/{provider}/{id}/disable", auth.PermissionKeyWrite, h.disableKey)
	h.handle(mux, "POST /admin/keys/{provider}/{id}/enable", auth.PermissionKeyWrite, h.enableKey)
	h.handle(mux, "PUT /admin/keys/{provider}/{id}/limits", auth.PermissionKeyWrite, h.updateLimits)
	h.handle(mux, "POST /admin/keys/{provider}/{id}/usage", auth.PermissionKeyWrite, h.recordUsage)

	h.handle(mux, "GET /admin/permissions/{user}", auth.PermissionKeyRead, h.getPermissions)
	h.handle(mux, "PUT /admin/permissions/{user}", auth.PermissionKeyWrite, h.setPermissions)

	h.handle(mux, "POST /admin/route", auth.PermissionRoutingRead, h.route)
	h.handle(mux, "GET /admin/decisions", auth.PermissionRoutingRead, h.recentDecisions)
	h.handle(mux, "GET /admin/decisions/stats", auth.PermissionRoutingRead, h.decisionStats)
	h.handle(mux, "GET /admin/providers", auth.PermissionRoutingRead, h.providerStates)
	h.handle(mux, "GET /admin/weights", auth.PermissionRoutingRead, h.getWeights)
	h.handle(mux, "PUT /admin/weights", auth.PermissionRoutingWrite, h.setWeights)
	h.handle(mux, "PUT /admin/preferences/{user}", auth.PermissionRoutingWrite, h.setPreference)
	h.handle(mux, "GET /admin/abtests", auth.PermissionRoutingRead, h.listABTests)
	h.handle(mux, "PUT /admin/abtests/{id}", auth.PermissionRoutingWrite, h.setABTest)
	h.handle(mux, "DELETE /admin/abtests/{id}", auth.PermissionRoutingWrite, h.removeABTest)

	h.handle(mux, "GET /admin/export", auth.PermissionAdminManage, h.exportConfig)
	h.handle(mux, "POST /admin/import", auth.PermissionAdminManage, h.importConfig)
}

func (h *AdminHandler) handle(mux *http.ServeMux, pattern string, perm auth.Permission, fn http.HandlerFunc) {
	if h.auth == nil {
		mux.Handle(pattern, fn)
		return
	}
	mux.Handle(pattern, h.auth.Protect(perm, fn))
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	infos := h.svc.ListKeys(r.URL.Query().Get("provider"))
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  infos,
		"count": len(infos),
	})
}

func (h *AdminHandler) addKey(w http.ResponseWriter, r *http.Request) {
	var in keys.AddKeyInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy = auth.Actor(r.Context())
	}

	id, err := h.svc.AddKey(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       id,
		"provider": in.Provider,
	})
}

func (h *AdminHandler) rotationDue(w http.ResponseWriter, r *http.Request) {
	due := h.svc.DueForRotation()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  due,
		"count": len(due),
	})
}

func (h *AdminHandler) availableKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	infos := h.svc.AvailableKeys(r.Context(), r.PathValue("provider"), q.Get("user"), q["permission"])
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  infos,
		"count": len(infos),
	})
}

func (h *AdminHandler) getKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, id := r.PathValue("provider"), r.PathValue("id")

	key, err := h.svc.GetKey(ctx, provider, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	usage, err := h.svc.KeyUsage(ctx, provider, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":   key.KeyInfo,
		"usage": usage,
	})
}

func (h *AdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	provider, id := r.PathValue("provider"), r.PathValue("id")
	if err := h.svc.DeleteKey(r.Context(), provider, id); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("key deleted via admin api", "provider", provider, "key_id", id, "actor", auth.Actor(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

type RotateKeyRequest struct {
	Key string `json:"key"`
}

func (h *AdminHandler) rotateKey(w http.ResponseWriter, r *http.Request) {
	var req RotateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	info, err := h.svc.RotateKey(r.Context(), r.PathValue("provider"), r.PathValue("id"), req.Key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type DisableKeyRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) disableKey(w http.ResponseWriter, r *http.Request) {
	var req DisableKeyRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.DisableKey(r.Context(), r.PathValue("provider"), r.PathValue("id"), req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) enableKey(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.EnableKey(r.Context(), r.PathValue("provider"), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) updateLimits(w http.ResponseWriter, r *http.Request) {
	var limits domain.Limits
	if !decodeBody(w, r, &limits) {
		return
	}

	info, err := h.svc.UpdateKeyLimits(r.Context(), r.PathValue("provider"), r.PathValue("id"), limits)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *AdminHandler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var usage domain.Usage
	if !decodeBody(w, r, &usage) {
		return
	}

	if err := h.svc.RecordKeyUsage(r.Context(), r.PathValue("provider"), r.PathValue("id"), usage); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type PermissionsRequest struct {
	Scopes []string `json:"scopes"`
}

func (h *AdminHandler) getPermissions(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	scopes := h.svc.UserPermissions(user)
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user,
		"scopes":  scopes,
	})
}

func (h *AdminHandler) setPermissions(w http.ResponseWriter, r *http.Request) {
	var req PermissionsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.svc.SetUserPermissions(r.Context(), r.PathValue("user"), req.Scopes); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) route(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if err := domain.Validate(req); err != nil {
		writeServiceError(w, err)
		return
	}
	strategy, err := keys.ParseStrategy(string(req.Strategy))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	req.Strategy = strategy

	writeJSON(w, http.StatusOK, h.svc.MakeRoutingDecision(r.Context(), req))
}

func (h *AdminHandler) recentDecisions(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.RecentDecisions()
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": entries,
		"count":     len(entries),
	})
}

// decisionStats accepts since as RFC 3339 or as a look-back duration such as "1h".
func (h *AdminHandler) decisionStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		} else {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
			return
		}
	}

	writeJSON(w, http.StatusOK, h.svc.DecisionStatistics(since))
}

func (h *AdminHandler) providerStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit_breakers": h.svc.ProviderStates(r.Context()),
	})
}

func (h *AdminHandler) getWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Weights())
}

func (h *AdminHandler) setWeights(w http.ResponseWriter, r *http.Request) {
	var weights domain.Weights
	if !decodeBody(w, r, &weights) {
		return
	}
	if err := h.svc.SetWeights(weights); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Weights())
}

func (h *AdminHandler) setPreference(w http.ResponseWriter, r *http.Request) {
	var pref domain.UserPreference
	if !decodeBody(w, r, &pref) {
		return
	}
	if err := h.svc.SetUserPreference(r.PathValue("user"), pref); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listABTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"abtests": h.svc.ABTests()})
}

func (h *AdminHandler) setABTest(w http.ResponseWriter, r *http.Request) {
	var t router.ABTest
	if !decodeBody(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")

	if err := h.svc.SetABTest(t); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *AdminHandler) removeABTest(w http.ResponseWriter, r *http.Request) {
	h.svc.RemoveABTest(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) exportConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="ai-router-export.json"`)
	writeJSON(w, http.StatusOK, h.svc.ExportConfig())
}

func (h *AdminHandler) importConfig(w http.ResponseWriter, r *http.Request) {
	var in gateway.Export
	if !decodeBody(w, r, &in) {
		return
	}

	n, err := h.svc.ImportConfig(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("configuration imported", "keys", n, "actor", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"imported_keys": n})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrKeyNotFound), errors.Is(err, domain.ErrModelNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEncryption):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
