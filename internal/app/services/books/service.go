package books

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// MaxImageBytes caps cover uploads.
const MaxImageBytes = 5 << 20

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ImageStore stores cover images and returns their public URL.
type ImageStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// Service manages listings and their availability.
type Service struct {
	store  storage.BookStore
	images ImageStore
	log    *logger.Logger
}

// New constructs a books service.
func New(store storage.BookStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("books")
	}
	return &Service{store: store, log: log}
}

// WithImageStore enables cover uploads.
func (s *Service) WithImageStore(images ImageStore) {
	s.images = images
}

// Input carries the editable listing fields.
type Input struct {
	Title      string          `json:"title"`
	Author     string          `json:"author"`
	ISBN       string          `json:"isbn"`
	Edition    string          `json:"edition"`
	Condition  string          `json:"condition"`
	Category   string          `json:"category"`
	Grade      string          `json:"grade"`
	University string          `json:"university"`
	Province   string          `json:"province"`
	Price      decimal.Decimal `json:"price"`
	WeightKG   float64         `json:"weight_kg"`
}

func (in Input) normalize() Input {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.ISBN = strings.ReplaceAll(strings.TrimSpace(in.ISBN), "-", "")
	in.Edition = strings.TrimSpace(in.Edition)
	in.Condition = strings.ToLower(strings.TrimSpace(in.Condition))
	in.Category = strings.TrimSpace(in.Category)
	in.Grade = strings.TrimSpace(in.Grade)
	in.University = strings.TrimSpace(in.University)
	in.Province = strings.TrimSpace(in.Province)
	return in
}

func (in Input) validate() error {
	if in.Title == "" {
		return apperrors.Required("title")
	}
	if !in.Price.IsPositive() {
		return apperrors.Validation("price", "must be positive")
	}
	if in.Price.Exponent() < -2 && !in.Price.Equal(in.Price.Round(2)) {
		return apperrors.Validation("price", "must have at most two decimal places")
	}
	if !book.ValidCondition(in.Condition) {
		return apperrors.Validation("condition", fmt.Sprintf("must be one of %s", strings.Join(book.Conditions, ", ")))
	}
	if in.WeightKG < 0 {
		return apperrors.Validation("weight_kg", "cannot be negative")
	}
	return nil
}

// Create lists a new book for sellerID.
func (s *Service) Create(ctx context.Context, sellerID string, in Input) (book.Book, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return book.Book{}, apperrors.Required("seller_id")
	}
	in = in.normalize()
	if err := in.validate(); err != nil {
		return book.Book{}, err
	}

	b := book.Book{SellerID: sellerID, Status: book.StatusAvailable}
	apply(&b, in)
	b, err := s.store.CreateBook(ctx, b)
	if err != nil {
		return book.Book{}, err
	}
	s.log.WithField("book_id", b.ID).
		WithField("seller_id", sellerID).
		Info("book listed")
	return b, nil
}

func apply(b *book.Book, in Input) {
	b.Title = in.Title
	b.Author = in.Author
	b.ISBN = in.ISBN
	b.Edition = in.Edition
	b.Condition = in.Condition
	b.Category = in.Category
	b.Grade = in.Grade
	b.University = in.University
	b.Province = in.Province
	b.Price = in.Price.Round(2)
	b.WeightKG = in.WeightKG
}

func (s *Service) editable(ctx context.Context, sellerID, id string) (book.Book, error) {
	b, err := s.store.GetBook(ctx, id)
	if err != nil {
		return book.Book{}, err
	}
	if b.SellerID != sellerID {
		return book.Book{}, apperrors.Forbidden("only the seller can change this listing")
	}
	if b.Status != book.StatusAvailable {
		return book.Book{}, apperrors.Conflict(fmt.Sprintf("book is %s and can no longer be changed", b.Status))
	}
	return b, nil
}

// Update replaces the editable fields of an available listing.
func (s *Service) Update(ctx context.Context, sellerID, id string, in Input) (book.Book, error) {
	b, err := s.editable(ctx, sellerID, id)
	if err != nil {
		return book.Book{}, err
	}
	in = in.normalize()
	if err := in.validate(); err != nil {
		return book.Book{}, err
	}
	apply(&b, in)
	return s.store.UpdateBook(ctx, b)
}

// Delete removes an available listing.
func (s *Service) Delete(ctx context.Context, sellerID, id string) error {
	if _, err := s.editable(ctx, sellerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteBook(ctx, id); err != nil {
		return err
	}
	s.log.WithField("book_id", id).Info("book removed")
	return nil
}

// Get fetches a single listing.
func (s *Service) Get(ctx context.Context, id string) (book.Book, error) {
	return s.store.GetBook(ctx, id)
}

// List returns listings matching filter. Browsing defaults to available books.
func (s *Service) List(ctx context.Context, filter book.Filter) ([]book.Book, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListBooks(ctx, filter)
}

// Reserve holds every book for a checkout. Either all are reserved or none.
func (s *Service) Reserve(ctx context.Context, ids []string) error {
	if err := s.store.SetBookStatus(ctx, ids, book.StatusAvailable, book.StatusReserved); err != nil {
		return err
	}
	s.log.WithField("books", len(ids)).Debug("books reserved")
	return nil
}

// MarkSold moves reserved books to sold once payment lands.
func (s *Service) MarkSold(ctx context.Context, ids []string) error {
	return s.store.SetBookStatus(ctx, ids, book.StatusReserved, book.StatusSold)
}

// Release returns reserved or sold books to the catalogue. Books already
// available are skipped so the call can be repeated.
func (s *Service) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		b, err := s.store.GetBook(ctx, id)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return err
		}
		if b.Status == book.StatusAvailable {
			continue
		}
		if err := s.store.SetBookStatus(ctx, []string{id}, b.Status, book.StatusAvailable); err != nil {
			if apperrors.Is(err, apperrors.ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}

// UploadImage stores a cover image and records its URL on the listing.
func (s *Service) UploadImage(ctx context.Context, sellerID, id string, data []byte, contentType string) (book.Book, error) {
	if s.images == nil {
		return book.Book{}, apperrors.Conflict("image uploads are not configured")
	}
	ext, ok := imageExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return book.Book{}, apperrors.Validation("content_type", "must be image/jpeg, image/png or image/webp")
	}
	if len(data) == 0 || len(data) > MaxImageBytes {
		return book.Book{}, apperrors.Validation("image", "must be between 1 byte and 5 MiB")
	}
	b, err := s.editable(ctx, sellerID, id)
	if err != nil {
		return book.Book{}, err
	}

	objectPath := path.Join("books", b.ID, "cover"+ext)
	if err := s.images.Upload(ctx, objectPath, data, contentType); err != nil {
		return book.Book{}, apperrors.Upstream("image storage", err)
	}
	b.ImageURL = s.images.PublicURL(objectPath)
	return s.store.UpdateBook(ctx, b)
}
