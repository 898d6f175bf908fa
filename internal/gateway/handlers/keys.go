package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
)

// PoolRefresher is invalidated after every successful credential mutation.
type PoolRefresher interface {
	Refresh(ctx context.Context)
}

type KeyHandler struct {
	db   *database.DB
	pool PoolRefresher
}

func NewKeyHandler(db *database.DB, pool PoolRefresher) *KeyHandler {
	return &KeyHandler{db: db, pool: pool}
}

// keyPayload is the wire shape for credential create/update.
type keyPayload struct {
	ID                string `json:"id,omitempty"`
	Secret            string `json:"secret"`
	Provider          string `json:"provider"`
	Tier              string `json:"tier"`
	Model             string `json:"model"`
	Weight            int    `json:"weight"`
	MaxContextTokens  int    `json:"maxContextTokens"`
	MaxResponseTokens int    `json:"maxResponseTokens"`
	ProxyURL          string `json:"proxyUrl,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Enabled           bool   `json:"enabled"`
}

// keyView is the list/read shape; the secret is masked unless the caller
// has the super role.
type keyView struct {
	ID                string  `json:"id"`
	Secret            string  `json:"secret"`
	Provider          string  `json:"provider"`
	Tier              string  `json:"tier"`
	Model             string  `json:"model"`
	Weight            int     `json:"weight"`
	MaxContextTokens  int     `json:"maxContextTokens"`
	MaxResponseTokens int     `json:"maxResponseTokens"`
	Enabled           bool    `json:"enabled"`
	Status            string  `json:"status"`
	LockReason        *string `json:"lockReason,omitempty"`
	UseCount          int64   `json:"useCount"`
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

func toKeyView(c models.Credential, revealSecret bool) keyView {
	v := keyView{
		ID:                c.ID,
		Secret:            c.Secret,
		Provider:          c.Provider,
		Tier:              c.Tier,
		Model:             c.Model,
		Weight:            c.Weight,
		MaxContextTokens:  c.MaxContextTokens,
		MaxResponseTokens: c.MaxResponseTokens,
		Enabled:           c.Enabled,
		Status:            c.Status,
		LockReason:        c.LockReason,
		UseCount:          c.UseCount,
	}
	if !revealSecret {
		v.Secret = maskSecret(c.Secret)
	}
	return v
}

func validKeyPayload(p keyPayload) string {
	if p.Secret == "" {
		return "secret is required"
	}
	switch p.Provider {
	case models.ProviderOpenAI, models.ProviderBaidu, models.ProviderZhipu:
	default:
		return "unknown provider"
	}
	switch p.Tier {
	case models.TierStandard, models.TierPremium:
	default:
		return "unknown tier"
	}
	if p.Model == "" {
		return "model is required"
	}
	if p.Weight < 0 {
		return "weight must not be negative"
	}
	return ""
}

// HandleCreate handles POST /admin/keys
func (h *KeyHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var p keyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validKeyPayload(p); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	cred := models.Credential{
		Secret:            p.Secret,
		Provider:          p.Provider,
		Tier:              p.Tier,
		Model:             p.Model,
		Weight:            p.Weight,
		MaxContextTokens:  p.MaxContextTokens,
		MaxResponseTokens: p.MaxResponseTokens,
		ProxyURL:          p.ProxyURL,
		TimeoutSeconds:    p.TimeoutSeconds,
		Enabled:           p.Enabled,
	}
	if err := h.db.CreateCredential(r.Context(), &cred); err != nil {
		if errors.Is(err, database.ErrDuplicateSecret) {
			http.Error(w, "key already exists", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create key", http.StatusInternalServerError)
		return
	}

	h.pool.Refresh(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toKeyView(cred, h.isSuper(r)))
}

// HandleUpdate handles POST /admin/keys/{id}
func (h *KeyHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var p keyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validKeyPayload(p); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	cred := models.Credential{
		ID:                id,
		Secret:            p.Secret,
		Provider:          p.Provider,
		Tier:              p.Tier,
		Model:             p.Model,
		Weight:            p.Weight,
		MaxContextTokens:  p.MaxContextTokens,
		MaxResponseTokens: p.MaxResponseTokens,
		ProxyURL:          p.ProxyURL,
		TimeoutSeconds:    p.TimeoutSeconds,
		Enabled:           p.Enabled,
	}
	if err := h.db.UpdateCredential(r.Context(), &cred); err != nil {
		http.Error(w, "failed to update key", http.StatusInternalServerError)
		return
	}

	h.pool.Refresh(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toKeyView(cred, h.isSuper(r)))
}

// HandleDelete handles POST /admin/keys/{id}/delete
func (h *KeyHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.db.DeleteCredential(r.Context(), id); err != nil {
		http.Error(w, "failed to delete key", http.StatusInternalServerError)
		return
	}

	h.pool.Refresh(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleList handles GET /admin/keys
func (h *KeyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 || size > 100 {
		size = 20
	}

	creds, total, err := h.db.ListCredentials(r.Context(), page, size)
	if err != nil {
		http.Error(w, "failed to list keys", http.StatusInternalServerError)
		return
	}

	reveal := h.isSuper(r)
	views := make([]keyView, 0, len(creds))
	for _, c := range creds {
		views = append(views, toKeyView(c, reveal))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rows":  views,
		"count": total,
	})
}

func (h *KeyHandler) isSuper(r *http.Request) bool {
	user, ok := userFrom(r.Context())
	return ok && user.Role == "super"
}
