package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/services/tokens"
)

func (h *Handler) tokenBalances(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	balances, err := h.tokens.Balances(r.Context(), serviceID, mux.Vars(r)["address"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, balances)
}

func (h *Handler) tokenSend(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req tokens.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.tokens.Send(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) tokenBurn(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req tokens.BurnRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.tokens.Burn(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) tokenMint(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req tokens.MintRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.tokens.Mint(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) tokenByID(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	tx, err := h.tokens.Get(r.Context(), serviceID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) tokenByMessageHash(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	tx, err := h.tokens.GetByMessageHash(r.Context(), serviceID, mux.Vars(r)["messageHash"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) tokenEventSearch(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req tokens.EventsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	events, err := h.tokens.Events(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, events)
}

func (h *Handler) tokenEventMark(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req markRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	event, err := h.tokens.MarkEvent(r.Context(), serviceID, req.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, event)
}

func (h *Handler) tokenEventMarkAll(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	n, err := h.tokens.MarkEvents(r.Context(), serviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, markedCount{Marked: n})
}
