package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/textbook_market/internal/app/services/banking"
	"github.com/R3E-Network/textbook_market/internal/app/services/courier"
)

func (h *handler) courierQuotes(w http.ResponseWriter, r *http.Request) {
	var req courier.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	quotes, err := h.app.Courier.Quotes(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *handler) courierTrack(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	shipment, err := h.app.Courier.Track(r.Context(), vars["provider"], vars["tracking"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shipment)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.app.Notifications.List(r.Context(), id.UserID, unread)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) readNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.app.Notifications.MarkRead(r.Context(), id.UserID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) readAllNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	n, err := h.app.Notifications.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// notificationSocket upgrades to a websocket that streams the caller's
// notifications until either side closes.
func (h *handler) notificationSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.app.Notifications.Hub().Serve(w, r, id.UserID); err != nil {
		// The upgrader has already answered the client.
		h.log.WithError(err).WithField("user_id", id.UserID).Debug("websocket upgrade failed")
	}
}

func (h *handler) getBanking(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	details, err := h.app.Banking.Get(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *handler) saveBanking(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var in banking.Details
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.Email == "" {
		in.Email = id.Email
	}
	details, err := h.app.Banking.Save(r.Context(), id.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}
