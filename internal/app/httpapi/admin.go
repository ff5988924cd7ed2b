package httpapi

import (
	"errors"
	"net/http"

	"github.com/R3E-Network/textbook_market/internal/app/services/orders"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

// adminSweep runs the commit sweep once, sharing the scheduler's lock.
func (h *handler) adminSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Sweeper.RunOnce(r.Context())
	if errors.Is(err, orders.ErrSweepInProgress) {
		h.fail(w, r, apperrors.Conflict(err.Error()))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.List(limit))
}
