package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks whether a listing can still be bought.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
)

// Book is a single second-hand textbook listed by a seller.
type Book struct {
	ID         string          `json:"id" db:"id"`
	SellerID   string          `json:"seller_id" db:"seller_id"`
	Title      string          `json:"title" db:"title"`
	Author     string          `json:"author" db:"author"`
	ISBN       string          `json:"isbn,omitempty" db:"isbn"`
	Edition    string          `json:"edition,omitempty" db:"edition"`
	Condition  string          `json:"condition" db:"condition"`
	Category   string          `json:"category,omitempty" db:"category"`
	Grade      string          `json:"grade,omitempty" db:"grade"`
	University string          `json:"university,omitempty" db:"university"`
	Province   string          `json:"province" db:"province"`
	Price      decimal.Decimal `json:"price" db:"price"`
	WeightKG   float64         `json:"weight_kg" db:"weight_kg"`
	ImageURL   string          `json:"image_url,omitempty" db:"image_url"`
	Status     Status          `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Filter narrows book listings. Zero values are ignored.
type Filter struct {
	SellerID string
	Category string
	Province string
	Search   string
	Status   Status
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Limit    int
	Offset   int
}

// Conditions accepted for a listing.
var Conditions = []string{"new", "good", "better", "average", "below average"}

// ValidCondition reports whether c is an accepted condition label.
func ValidCondition(c string) bool {
	for _, known := range Conditions {
		if known == c {
			return true
		}
	}
	return false
}
