package books

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

type fakeImages struct {
	uploaded map[string][]byte
}

func (f *fakeImages) Upload(_ context.Context, path string, data []byte, _ string) error {
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[path] = data
	return nil
}

func (f *fakeImages) PublicURL(path string) string { return "https://cdn.example.com/" + path }

func validInput() Input {
	return Input{Title: " Campbell Biology ", Author: "Urry", Condition: "Good", Province: "Gauteng", Price: decimal.RequireFromString("420.00"), WeightKG: 1.8}
}

func TestService_ListingLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), logger.NewDiscard())

	b, err := svc.Create(ctx, "seller-1", validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Title != "Campbell Biology" || b.Condition != "good" || b.Status != book.StatusAvailable {
		t.Fatalf("unexpected book %#v", b)
	}

	if _, err := svc.Update(ctx, "seller-2", b.ID, validInput()); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden for other seller, got %v", err)
	}

	in := validInput()
	in.Price = decimal.RequireFromString("380")
	updated, err := svc.Update(ctx, "seller-1", b.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Price.Equal(decimal.NewFromInt(380)) {
		t.Fatalf("price not updated: %s", updated.Price)
	}

	if err := svc.Reserve(ctx, []string{b.ID}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Delete(ctx, "seller-1", b.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("reserved books cannot be deleted, got %v", err)
	}

	if err := svc.MarkSold(ctx, []string{b.ID}); err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	if err := svc.Release(ctx, []string{b.ID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.Release(ctx, []string{b.ID}); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	got, _ := svc.Get(ctx, b.ID)
	if got.Status != book.StatusAvailable {
		t.Fatalf("expected available after release, got %s", got.Status)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc := New(memory.New(), logger.NewDiscard())
	cases := map[string]func(*Input){
		"missing title":   func(in *Input) { in.Title = "" },
		"zero price":      func(in *Input) { in.Price = decimal.Zero },
		"bad condition":   func(in *Input) { in.Condition = "mint" },
		"negative weight": func(in *Input) { in.WeightKG = -1 },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		if _, err := svc.Create(context.Background(), "seller-1", in); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestService_ReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), logger.NewDiscard())

	a, _ := svc.Create(ctx, "s1", validInput())
	b, _ := svc.Create(ctx, "s1", validInput())
	if err := svc.Reserve(ctx, []string{b.ID}); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if err := svc.Reserve(ctx, []string{a.ID, b.ID}); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := svc.Get(ctx, a.ID)
	if got.Status != book.StatusAvailable {
		t.Fatalf("book a must stay available, got %s", got.Status)
	}
}

func TestService_UploadImage(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), logger.NewDiscard())

	b, _ := svc.Create(ctx, "s1", validInput())
	if _, err := svc.UploadImage(ctx, "s1", b.ID, []byte("x"), "image/png"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected unconfigured error, got %v", err)
	}

	images := &fakeImages{}
	svc.WithImageStore(images)
	if _, err := svc.UploadImage(ctx, "s1", b.ID, []byte("x"), "application/pdf"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected content type rejection, got %v", err)
	}
	updated, err := svc.UploadImage(ctx, "s1", b.ID, []byte("jpeg-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if updated.ImageURL != "https://cdn.example.com/books/"+b.ID+"/cover.jpg" {
		t.Fatalf("unexpected image url %q", updated.ImageURL)
	}
	if len(images.uploaded) != 1 {
		t.Fatalf("expected one upload, got %d", len(images.uploaded))
	}
}
