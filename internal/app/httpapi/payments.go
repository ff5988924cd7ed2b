package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/services/checkout"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
)

// maxWebhookBytes bounds gateway webhook payloads.
const maxWebhookBytes = 256 << 10

func (h *handler) checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req checkout.Request
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Checkout.Checkout(r.Context(), id.UserID, id.Email, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// verifyPayment lets the buyer confirm a charge after the gateway redirect.
func (h *handler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	settled, err := h.app.Payments.Verify(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	visible := make([]order.Order, 0, len(settled))
	for _, o := range settled {
		if o.BuyerID == id.UserID || id.Admin {
			visible = append(visible, o)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// paymentWebhook is authenticated by the gateway signature, not a token.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.fail(w, r, apperrors.Validation("body", err.Error()))
		return
	}
	if err := h.app.Payments.HandleWebhook(r.Context(), body, r.Header.Get(paystack.SignatureHeader)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
