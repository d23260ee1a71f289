package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/service"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
)

type createServiceRequest struct {
	Name string `json:"name"`
}

// issuedKey is the one response that carries an api secret in the clear;
// afterwards the secret only ever participates in signatures.
type issuedKey struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`
	Key       string `json:"key"`
	Secret    string `json:"secret"`
}

type createServiceResponse struct {
	Service service.Definition `json:"service"`
	APIKey  issuedKey          `json:"apiKey"`
}

func (h *Handler) adminCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.Name == "" {
		h.fail(w, apperrors.WrongInput("name is required"))
		return
	}

	def, err := h.store.CreateService(r.Context(), service.Definition{Name: req.Name})
	if errors.Is(err, storage.ErrAlreadyExists) {
		h.fail(w, apperrors.WrongInputf("service %q already exists", req.Name))
		return
	} else if err != nil {
		h.fail(w, apperrors.Internal("create service", err))
		return
	}

	key, err := h.issueKey(r, def.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, createServiceResponse{Service: def, APIKey: key})
}

func (h *Handler) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["id"]
	if _, err := h.store.GetService(r.Context(), serviceID); errors.Is(err, storage.ErrNotFound) {
		h.fail(w, apperrors.NotFound("service"))
		return
	} else if err != nil {
		h.fail(w, apperrors.Internal("get service", err))
		return
	}

	key, err := h.issueKey(r, serviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, key)
}

func (h *Handler) issueKey(r *http.Request, serviceID string) (issuedKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return issuedKey{}, apperrors.Internal("generate secret", err)
	}
	created, err := h.store.CreateAPIKey(r.Context(), service.APIKey{
		ServiceID: serviceID,
		Key:       uuid.NewString(),
		Secret:    hex.EncodeToString(secret),
	})
	if err != nil {
		return issuedKey{}, apperrors.Internal("create api key", err)
	}
	return issuedKey{
		ID:        created.ID,
		ServiceID: created.ServiceID,
		Key:       created.Key,
		Secret:    created.Secret,
	}, nil
}

type setCallbackRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (h *Handler) adminSetCallback(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["id"]
	var req setCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.URL == "" || req.Secret == "" {
		h.fail(w, apperrors.WrongInput("url and secret are required"))
		return
	}
	if _, err := h.store.GetService(r.Context(), serviceID); errors.Is(err, storage.ErrNotFound) {
		h.fail(w, apperrors.NotFound("service"))
		return
	} else if err != nil {
		h.fail(w, apperrors.Internal("get service", err))
		return
	}

	cb, err := h.store.SetCallback(r.Context(), service.Callback{
		ServiceID: serviceID,
		URL:       req.URL,
		Secret:    req.Secret,
	})
	if err != nil {
		h.fail(w, apperrors.Internal("set callback", err))
		return
	}
	respond(w, cb)
}

func (h *Handler) adminTokenWhitelist(w http.ResponseWriter, r *http.Request) {
	roots, err := h.tokens.Whitelist(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, roots)
}

type whitelistTokenRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (h *Handler) adminWhitelistToken(w http.ResponseWriter, r *http.Request) {
	var req whitelistTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	root, err := h.tokens.AddRoot(r.Context(), req.Name, req.Address)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, root)
}
