package httpapi

import (
	"net/http"

	"github.com/R3E-Network/ton_gateway/internal/app/services/transactions"
)

func (h *Handler) prepareMessage(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req transactions.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	resp, err := h.transactions.PrepareMessage(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, resp)
}

func (h *Handler) sendSignedMessage(w http.ResponseWriter, r *http.Request) {
	var req transactions.SignedRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	resp, err := h.transactions.SendSigned(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, resp)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req transactions.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	resp, err := h.transactions.SendMessage(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, resp)
}

func (h *Handler) readContract(w http.ResponseWriter, r *http.Request) {
	var req transactions.ReadContractRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	resp, err := h.transactions.ReadContract(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, resp)
}

func (h *Handler) encodeIntoCell(w http.ResponseWriter, r *http.Request) {
	var req transactions.EncodeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	resp, err := transactions.EncodeIntoCell(req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, resp)
}
