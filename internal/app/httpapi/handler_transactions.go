package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/services/transactions"
)

func (h *Handler) transactionCreate(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req transactions.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.transactions.CreateSend(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) transactionConfirm(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req transactions.ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	tx, err := h.transactions.CreateConfirm(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) transactionSearch(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req transactions.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	txs, err := h.transactions.Search(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, txs)
}

func (h *Handler) transactionByID(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.Get(r.Context(), serviceID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) transactionByHash(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.GetByHash(r.Context(), serviceID, mux.Vars(r)["hash"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) transactionByMessageHash(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.GetByMessageHash(r.Context(), serviceID, mux.Vars(r)["messageHash"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, tx)
}

func (h *Handler) eventSearch(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req transactions.EventsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	events, err := h.transactions.Events(r.Context(), serviceID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, events)
}

func (h *Handler) eventByID(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	event, err := h.transactions.GetEvent(r.Context(), serviceID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, event)
}

type markRequest struct {
	ID string `json:"id"`
}

// markedCount reports how many events a bulk mark advanced.
type markedCount struct {
	Marked int64 `json:"marked"`
}

func (h *Handler) eventMark(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	var req markRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	event, err := h.transactions.MarkEvent(r.Context(), serviceID, req.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, event)
}

func (h *Handler) eventMarkAll(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := h.serviceID(w, r)
	if !ok {
		return
	}
	n, err := h.transactions.MarkEvents(r.Context(), serviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	respond(w, markedCount{Marked: n})
}
