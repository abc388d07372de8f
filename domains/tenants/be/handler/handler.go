// Package handler exposes the tenant store over HTTP. It is a thin
// collaborator: all semantics live in the service and drivers; the handler
// only decodes requests and translates sentinel errors to status codes.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tenancykit/tenancy/domains/tenants/be/service"
	"github.com/tenancykit/tenancy/platform/go/codec"
	platformlogging "github.com/tenancykit/tenancy/platform/go/logging"
)

// Handler wires the tenant service to the HTTP surface.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the tenant store endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/tenants", h.create)
	r.Get("/tenants", h.list)
	r.Get("/tenants/resolve", h.resolve)
	r.Get("/tenants/{id}", h.find)
	r.Put("/tenants/{id}", h.update)
	r.Delete("/tenants/{id}", h.remove)

	r.Get("/tenants/{id}/attributes", h.getAttributes)
	r.Post("/tenants/{id}/attributes", h.putAttributes)
	r.Delete("/tenants/{id}/attributes", h.deleteAttributes)
	r.Get("/tenants/{id}/attributes/{key}", h.getAttribute)
	r.Put("/tenants/{id}/attributes/{key}", h.putAttribute)

	return r
}

type tenantPayload struct {
	ID      string         `json:"id"`
	Domains []string       `json:"domains"`
	Data    map[string]any `json:"data"`
}

type valuePayload struct {
	Present bool `json:"present"`
	Value   any  `json:"value,omitempty"`
}

func toPayload(t service.Tenant) tenantPayload {
	p := tenantPayload{ID: t.ID, Domains: t.Domains, Data: t.Data}
	if p.Domains == nil {
		p.Domains = []string{}
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	return p
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload tenantPayload
	if !h.decodeBody(w, r, &payload) {
		return
	}

	created, err := h.svc.Create(r.Context(), service.CreateInput{
		ID:      payload.ID,
		Domains: payload.Domains,
		Data:    payload.Data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/tenants/"+created.ID)
	h.writeJSON(w, r, http.StatusCreated, toPayload(created))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	tenants, err := h.svc.All(r.Context(), ids...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]tenantPayload, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, toPayload(t))
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		h.writeProblem(w, http.StatusBadRequest, "domain query parameter is required")
		return
	}

	t, err := h.svc.FindByDomain(r.Context(), domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toPayload(t))
}

func (h *Handler) find(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toPayload(t))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var payload tenantPayload
	if !h.decodeBody(w, r, &payload) {
		return
	}

	updated, err := h.svc.Update(r.Context(), service.Tenant{
		ID:      chi.URLParam(r, "id"),
		Domains: payload.Domains,
		Data:    payload.Data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toPayload(updated))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getAttribute(w http.ResponseWriter, r *http.Request) {
	tenant := service.Tenant{ID: chi.URLParam(r, "id")}
	value, err := h.svc.Get(r.Context(), chi.URLParam(r, "key"), &tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, valuePayload{Present: value.Present, Value: value.Data})
}

func (h *Handler) getAttributes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("keys")
	if raw == "" {
		h.writeProblem(w, http.StatusBadRequest, "keys query parameter is required")
		return
	}
	keys := strings.Split(raw, ",")

	tenant := service.Tenant{ID: chi.URLParam(r, "id")}
	values, err := h.svc.GetMany(r.Context(), keys, &tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make(map[string]valuePayload, len(keys))
	for i, key := range keys {
		items[key] = valuePayload{Present: values[i].Present, Value: values[i].Data}
	}
	h.writeJSON(w, r, http.StatusOK, items)
}

func (h *Handler) putAttribute(w http.ResponseWriter, r *http.Request) {
	var value any
	if !h.decodeBody(w, r, &value) {
		return
	}

	tenant := service.Tenant{ID: chi.URLParam(r, "id")}
	if err := h.svc.Put(r.Context(), chi.URLParam(r, "key"), value, &tenant); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putAttributes(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !h.decodeBody(w, r, &values) {
		return
	}

	tenant := service.Tenant{ID: chi.URLParam(r, "id")}
	if err := h.svc.PutMany(r.Context(), values, &tenant); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAttributes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("keys")
	if raw == "" {
		h.writeProblem(w, http.StatusBadRequest, "keys query parameter is required")
		return
	}

	tenant := service.Tenant{ID: chi.URLParam(r, "id")}
	if err := h.svc.DeleteMany(r.Context(), strings.Split(raw, ","), &tenant); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody parses a JSON request body with number fidelity preserved.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		h.writeProblem(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		platformlogging.FromRequest(r, h.logger).Error("encode response", zap.Error(err))
		h.writeProblem(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var connErr *service.ConnectionError
	var decErr *codec.DecodeError
	var encErr *codec.EncodeError

	switch {
	case errors.Is(err, service.ErrTenantNotFound), errors.Is(err, service.ErrTenantUnidentified):
		status, message = http.StatusNotFound, "tenant not found"
	case errors.Is(err, service.ErrTenantIDTaken):
		status, message = http.StatusConflict, "tenant id already exists"
	case errors.Is(err, service.ErrDomainTaken):
		status, message = http.StatusConflict, "domain already belongs to another tenant"
	case errors.Is(err, service.ErrInvalidTenant),
		errors.Is(err, service.ErrReservedAttribute),
		errors.As(err, &encErr):
		status, message = http.StatusBadRequest, err.Error()
	case errors.As(err, &connErr):
		status, message = http.StatusServiceUnavailable, "storage unavailable"
	case errors.As(err, &decErr):
		// Stored payload is corrupt; the read fails rather than guessing.
		status, message = http.StatusInternalServerError, "stored attribute payload is malformed"
	}

	if status >= http.StatusInternalServerError {
		platformlogging.FromRequest(r, h.logger).Error("tenant store request failed",
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *Handler) writeProblem(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
