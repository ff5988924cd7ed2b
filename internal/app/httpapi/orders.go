package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

type reasonPayload struct {
	Reason string `json:"reason"`
}

type commitPayload struct {
	Pickup *order.Address `json:"pickup_address,omitempty"`
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var (
		list []order.Order
		err  error
	)
	switch role := strings.TrimSpace(r.URL.Query().Get("role")); role {
	case "", "buyer":
		list, err = h.app.Orders.ListForBuyer(r.Context(), id.UserID)
	case "seller":
		list, err = h.app.Orders.ListForSeller(r.Context(), id.UserID)
	default:
		err = apperrors.Validation("role", "must be buyer or seller")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	o, err := h.app.Orders.Get(r.Context(), viewer(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) orderEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	events, err := h.app.Orders.Events(r.Context(), viewer(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// orderPayout is visible to the order's seller and admins.
func (h *handler) orderPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	o, err := h.app.Orders.Get(r.Context(), viewer(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if o.SellerID != id.UserID && !id.Admin {
		h.fail(w, r, apperrors.Forbidden("only the seller can view the payout"))
		return
	}
	p, err := h.app.Payouts.Get(r.Context(), o.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) commitOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var payload commitPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.app.Orders.Commit(r.Context(), id.UserID, mux.Vars(r)["id"], payload.Pickup)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) declineOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var payload reasonPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.app.Orders.Decline(r.Context(), id.UserID, mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var payload reasonPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.app.Orders.CancelByBuyer(r.Context(), id.UserID, mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) collectedOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	o, err := h.app.Orders.MarkCollected(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	o, err := h.app.Orders.Complete(r.Context(), viewer(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
