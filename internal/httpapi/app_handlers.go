package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"botdeck.io/internal/appcfg"
	"botdeck.io/internal/token"
)

// appConfigDTO deliberately omits the sealed secret: not even the
// encrypted form leaves the service.
type appConfigDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	HasSecret    bool      `json:"hasSecret"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toAppDTO(cfg *appcfg.AppConfig) appConfigDTO {
	return appConfigDTO{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		HasSecret:    cfg.APISecretEnc != "",
		IsActive:     cfg.IsActive,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}

func (a *API) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.deps.Apps.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	dtos := make([]appConfigDTO, 0, len(apps))
	for _, cfg := range apps {
		dtos = append(dtos, toAppDTO(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": dtos})
}

func (a *API) getApp(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.deps.Apps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, appcfg.ErrNotFound) {
			respondError(w, http.StatusNotFound, "app not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toAppDTO(cfg))
}

func (a *API) createApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	var req struct {
		Name         string `json:"name"`
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		SystemPrompt string `json:"systemPrompt"`
		APISecret    string `json:"apiSecret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, err := a.deps.Apps.Create(r.Context(), &appcfg.AppConfig{
		Name:         req.Name,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	}, req.APISecret, actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, appcfg.ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "app name already exists")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toAppDTO(cfg))
}

func (a *API) updateApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	var req struct {
		Name         string `json:"name"`
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.deps.Apps.Update(r.Context(), &appcfg.AppConfig{
		ID:           chi.URLParam(r, "id"),
		Name:         req.Name,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	}, actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, appcfg.ErrNotFound) {
			respondError(w, http.StatusNotFound, "app not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rotateAppSecret accepts a new provider credential. The secret arrives
// in the request body once and is sealed immediately; there is no read
// counterpart on the HTTP surface.
func (a *API) rotateAppSecret(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	var req struct {
		APISecret string `json:"apiSecret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APISecret == "" {
		respondError(w, http.StatusBadRequest, "apiSecret is required")
		return
	}

	err := a.deps.Apps.RotateSecret(r.Context(), chi.URLParam(r, "id"), req.APISecret, actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, appcfg.ErrNotFound) {
			respondError(w, http.StatusNotFound, "app not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "secret rotation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	err := a.deps.Apps.Deactivate(r.Context(), chi.URLParam(r, "id"), actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, appcfg.ErrNotFound) {
			respondError(w, http.StatusNotFound, "app not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "deactivate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
