package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("order", "abc123")

	if err.Error() != `order "abc123" not found` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Is(err, ErrNotFound) {
		t.Error("expected error to wrap ErrNotFound")
	}
	if HTTPStatus(fmt.Errorf("lookup: %w", err)) != http.StatusNotFound {
		t.Error("expected 404 through wrapping")
	}
}

func TestRequired(t *testing.T) {
	err := Required("book_ids")
	if err.Error() != "book_ids: is required" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Details["field"] != "book_ids" {
		t.Errorf("expected field detail, got %v", err.Details)
	}
	if !Is(err, ErrInvalidInput) {
		t.Error("expected ErrInvalidInput")
	}
}

func TestInvalidTransition(t *testing.T) {
	err := InvalidTransition("completed", "paid")
	if !Is(err, ErrInvalidTransition) {
		t.Fatal("expected ErrInvalidTransition")
	}
	if HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %d", HTTPStatus(err))
	}
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Upstream("paystack", cause)
	if !Is(err, ErrUpstream) || !Is(err, cause) {
		t.Fatal("expected both sentinel and cause in chain")
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", HTTPStatus(err))
	}
}

func TestHTTPStatusPlainError(t *testing.T) {
	if HTTPStatus(fmt.Errorf("boom")) != http.StatusInternalServerError {
		t.Fatal("expected 500 for plain errors")
	}
	if GetServiceError(fmt.Errorf("boom")) != nil {
		t.Fatal("expected nil service error")
	}
}
