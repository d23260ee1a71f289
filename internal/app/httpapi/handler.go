// Package httpapi exposes the gateway's REST surface: the /ton/v3 business
// API behind HMAC request auth, the JWT-guarded admin surface, and the
// operational endpoints (healthcheck, Prometheus exposition, the embedded
// OpenAPI description).
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/metrics"
	"github.com/R3E-Network/ton_gateway/internal/app/services/tokens"
	"github.com/R3E-Network/ton_gateway/internal/app/services/transactions"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/middleware"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// Handler bundles the HTTP endpoints over the wired services.
type Handler struct {
	wallets      *wallets.Service
	transactions *transactions.Service
	tokens       *tokens.Service
	store        storage.Store
	subscriber   *chain.Subscriber
	log          *logger.Logger
	now          func() time.Time
}

// New builds the handler. Pass a nil logger to use the default.
func New(walletSvc *wallets.Service, txSvc *transactions.Service, tokenSvc *tokens.Service, store storage.Store, subscriber *chain.Subscriber, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		wallets:      walletSvc,
		transactions: txSvc,
		tokens:       tokenSvc,
		store:        store,
		subscriber:   subscriber,
		log:          log,
		now:          time.Now,
	}
}

// Router assembles the route table. auth guards the /ton/v3 business routes,
// admin guards /admin; a nil limiter disables rate limiting.
func (h *Handler) Router(auth *middleware.ServiceAuth, admin *middleware.AdminAuth, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)

	r.HandleFunc("/", h.openAPI).Methods(http.MethodGet)
	r.HandleFunc("/swagger.yaml", h.openAPI).Methods(http.MethodGet)
	r.HandleFunc("/healthcheck", h.healthcheck).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Registered ahead of the authenticated subrouter so it matches first;
	// the business metrics are served without the HMAC headers.
	r.HandleFunc("/ton/v3/metrics", h.chainMetrics).Methods(http.MethodGet)

	api := r.PathPrefix("/ton/v3").Subrouter()
	if limiter != nil {
		api.Use(limiter.Handler)
	}
	api.Use(auth.Handler)

	api.HandleFunc("/address/check", h.addressCheck).Methods(http.MethodPost)
	api.HandleFunc("/address/create", h.addressCreate).Methods(http.MethodPost)
	api.HandleFunc("/address/add", h.addressAdd).Methods(http.MethodPost)
	api.HandleFunc("/address/{address}", h.addressGet).Methods(http.MethodGet)
	api.HandleFunc("/address/{address}/info", h.addressInfo).Methods(http.MethodGet)

	api.HandleFunc("/transactions", h.transactionSearch).Methods(http.MethodPost)
	api.HandleFunc("/transactions/create", h.transactionCreate).Methods(http.MethodPost)
	api.HandleFunc("/transactions/confirm", h.transactionConfirm).Methods(http.MethodPost)
	api.HandleFunc("/transactions/id/{id}", h.transactionByID).Methods(http.MethodGet)
	api.HandleFunc("/transactions/h/{hash}", h.transactionByHash).Methods(http.MethodGet)
	api.HandleFunc("/transactions/mh/{messageHash}", h.transactionByMessageHash).Methods(http.MethodGet)

	api.HandleFunc("/events", h.eventSearch).Methods(http.MethodPost)
	api.HandleFunc("/events/mark", h.eventMark).Methods(http.MethodPost)
	api.HandleFunc("/events/mark/all", h.eventMarkAll).Methods(http.MethodPost)
	api.HandleFunc("/events/id/{id}", h.eventByID).Methods(http.MethodGet)

	api.HandleFunc("/tokens/address/{address}", h.tokenBalances).Methods(http.MethodGet)
	api.HandleFunc("/tokens/transactions/create", h.tokenSend).Methods(http.MethodPost)
	api.HandleFunc("/tokens/transactions/burn", h.tokenBurn).Methods(http.MethodPost)
	api.HandleFunc("/tokens/transactions/mint", h.tokenMint).Methods(http.MethodPost)
	api.HandleFunc("/tokens/transactions/id/{id}", h.tokenByID).Methods(http.MethodGet)
	api.HandleFunc("/tokens/transactions/mh/{messageHash}", h.tokenByMessageHash).Methods(http.MethodGet)
	api.HandleFunc("/tokens/events", h.tokenEventSearch).Methods(http.MethodPost)
	api.HandleFunc("/tokens/events/mark", h.tokenEventMark).Methods(http.MethodPost)
	api.HandleFunc("/tokens/events/mark/all", h.tokenEventMarkAll).Methods(http.MethodPost)

	api.HandleFunc("/read-contract", h.readContract).Methods(http.MethodPost)
	api.HandleFunc("/encode-into-cell", h.encodeIntoCell).Methods(http.MethodPost)
	api.HandleFunc("/prepare-message", h.prepareMessage).Methods(http.MethodPost)
	api.HandleFunc("/send-signed-message", h.sendSignedMessage).Methods(http.MethodPost)
	api.HandleFunc("/send-message", h.sendMessage).Methods(http.MethodPost)

	adm := r.PathPrefix("/admin").Subrouter()
	adm.Use(admin.Handler)
	adm.HandleFunc("/services", h.adminCreateService).Methods(http.MethodPost)
	adm.HandleFunc("/services/{id}/keys", h.adminCreateKey).Methods(http.MethodPost)
	adm.HandleFunc("/services/{id}/callback", h.adminSetCallback).Methods(http.MethodPut)
	adm.HandleFunc("/tokens", h.adminTokenWhitelist).Methods(http.MethodGet)
	adm.HandleFunc("/tokens", h.adminWhitelistToken).Methods(http.MethodPost)

	return r
}

// healthcheck answers with the server's current millisecond epoch.
func (h *Handler) healthcheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(strconv.FormatInt(h.now().UnixMilli(), 10)))
}

// ChainMetrics is the business view served by GET /ton/v3/metrics.
type ChainMetrics struct {
	GenUtime        uint32 `json:"genUtime"`
	PendingMessages int    `json:"pendingMessages"`
}

func (h *Handler) chainMetrics(w http.ResponseWriter, _ *http.Request) {
	respond(w, ChainMetrics{
		GenUtime:        h.subscriber.GenUtime(),
		PendingMessages: h.subscriber.Queue().Len(),
	})
}

// envelope is the uniform business response body. Business failures keep
// HTTP 200; the envelope alone carries the outcome.
type envelope struct {
	Status       string      `json:"status"`
	Data         interface{} `json:"data,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

func respond(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Status: "Ok", Data: data})
}

// fail maps err onto the envelope using the service error taxonomy. Errors
// without a taxonomy entry are treated as internal.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	if se.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeJSON(w, se.HTTPStatus, envelope{Status: "Error", ErrorMessage: se.Message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON parses the request body strictly: unknown fields and malformed
// JSON are InvalidFormat errors. An empty body decodes to the zero request so
// filter endpoints accept bodyless POSTs.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.InvalidFormat("body", err.Error())
	}
	return nil
}

// serviceID pulls the authenticated service out of the request context. A
// missing id means the route was wired outside the auth middleware; the
// request is rejected rather than served unscoped.
func (h *Handler) serviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetServiceID(r.Context())
	if !ok {
		h.fail(w, apperrors.Unauthorized("Unauthorized"))
	}
	return id, ok
}
