// Package handler exposes the pricing engine over HTTP: cart preview,
// checkout confirmation and rule lookup.
package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/pkg/httpmiddleware"
)

// maxBodyBytes caps request bodies; a cart is a few kilobytes at most.
const maxBodyBytes = 1 << 20

// RuleFinder loads a single rule with its usage counters.
type RuleFinder interface {
	FindByID(ctx context.Context, id string) (*pricing.Rule, error)
}

// Handler serves the pricing API, delegating to the pricing service.
type Handler struct {
	pricing *pricing.Service
	rules   RuleFinder
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(svc *pricing.Service, rules RuleFinder) *Handler {
	return &Handler{
		pricing: svc,
		rules:   rules,
	}
}

// Register mounts the API routes on mux. Confirmation mutates usage
// counters and therefore requires an API key with auth.ScopeConfirm.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	mux.Handle("POST /api/cart/preview", h.serve(h.PreviewCart))
	mux.Handle("POST /api/cart/confirm", sec.Require(auth.ScopeConfirm, h.serve(h.ConfirmCart)))
	mux.Handle("GET /api/rules/{id}", h.serve(h.GetRule))
}

// requestError is a client error carrying its HTTP status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

type endpoint func(w http.ResponseWriter, r *http.Request) error

// serve maps endpoint errors to JSON responses: request errors keep their
// status, anything else is logged and becomes a 500.
func (h *Handler) serve(fn endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		var reqErr *requestError
		if errors.As(err, &reqErr) {
			httpmiddleware.WriteError(w, reqErr.status, reqErr.message)
			return
		}
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal server error")
	})
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return nil, errors.Wrap(err, "read body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
