package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
)

type checkRequest struct {
	Address string `json:"address"`
}

func (h *Handler) addressCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	forms, err := wallets.Check(req.Address)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, forms)
}

func (h *Handler) addressCreate(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req wallets.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	record, err := h.wallets.Create(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, record)
}

func (h *Handler) addressAdd(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req wallets.AddRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	record, err := h.wallets.Add(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, record)
}

func (h *Handler) addressGet(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	record, err := h.wallets.Get(r.Context(), serviceID, mux.Vars(r)["address"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, record)
}

func (h *Handler) addressInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.wallets.Info(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, info)
}
