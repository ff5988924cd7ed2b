package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/services/books"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

func (h *handler) listBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := book.Filter{
		SellerID: strings.TrimSpace(q.Get("seller")),
		Category: strings.TrimSpace(q.Get("category")),
		Province: strings.TrimSpace(q.Get("province")),
		Search:   strings.TrimSpace(q.Get("q")),
		Status:   book.StatusAvailable,
	}
	switch status := strings.TrimSpace(q.Get("status")); status {
	case "":
	case "all":
		filter.Status = ""
	case string(book.StatusAvailable), string(book.StatusReserved), string(book.StatusSold):
		filter.Status = book.Status(status)
	default:
		h.fail(w, r, apperrors.Validation("status", "must be available, reserved, sold or all"))
		return
	}
	for key, dst := range map[string]**decimal.Decimal{"min_price": &filter.MinPrice, "max_price": &filter.MaxPrice} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			h.fail(w, r, apperrors.Validation(key, "must be a number"))
			return
		}
		*dst = &v
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		h.fail(w, r, err)
		return
	}

	list, err := h.app.Books.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.app.Books.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) createBook(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var in books.Input
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.app.Books.Create(r.Context(), id.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// updateBook applies a partial update: absent fields keep their value.
func (h *handler) updateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	bookID := mux.Vars(r)["id"]
	current, err := h.app.Books.Get(r.Context(), bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in := books.Input{
		Title:      current.Title,
		Author:     current.Author,
		ISBN:       current.ISBN,
		Edition:    current.Edition,
		Condition:  current.Condition,
		Category:   current.Category,
		Grade:      current.Grade,
		University: current.University,
		Province:   current.Province,
		Price:      current.Price,
		WeightKG:   current.WeightKG,
	}
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.app.Books.Update(r.Context(), id.UserID, bookID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.app.Books.Delete(r.Context(), id.UserID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadImage takes the raw image as the request body.
func (h *handler) uploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, books.MaxImageBytes+1))
	if err != nil {
		h.fail(w, r, apperrors.Validation("image", err.Error()))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	b, err := h.app.Books.UploadImage(r.Context(), id.UserID, mux.Vars(r)["id"], data, contentType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
