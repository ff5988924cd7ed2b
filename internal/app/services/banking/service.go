package banking

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Gateway registers sellers with the payment provider.
type Gateway interface {
	CreateSubaccount(ctx context.Context, req paystack.SubaccountRequest) (string, error)
	CreateRecipient(ctx context.Context, req paystack.RecipientRequest) (string, error)
}

// Status values for banking details.
const (
	StatusActive     = "active"
	StatusUnverified = "unverified"
)

// Details is what a seller submits.
type Details struct {
	BusinessName  string `json:"business_name"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	Email         string `json:"email"`
}

// Service manages seller banking details.
type Service struct {
	store      storage.BankingStore
	gateway    Gateway
	commission decimal.Decimal
	log        *logger.Logger
}

// New creates the banking service. commission is the platform share in [0,1).
func New(store storage.BankingStore, gateway Gateway, commission decimal.Decimal, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("banking")
	}
	return &Service{store: store, gateway: gateway, commission: commission, log: log}
}

func (d *Details) normalize() error {
	d.BusinessName = strings.TrimSpace(d.BusinessName)
	d.BankName = strings.TrimSpace(d.BankName)
	d.BankCode = strings.TrimSpace(d.BankCode)
	d.AccountNumber = strings.ReplaceAll(strings.TrimSpace(d.AccountNumber), " ", "")
	d.Email = strings.TrimSpace(d.Email)

	if d.BusinessName == "" {
		return apperrors.Required("business_name")
	}
	if d.BankCode == "" {
		return apperrors.Required("bank_code")
	}
	if n := len(d.AccountNumber); n < 6 || n > 16 {
		return apperrors.Validation("account_number", "must be 6 to 16 digits")
	}
	for _, r := range d.AccountNumber {
		if r < '0' || r > '9' {
			return apperrors.Validation("account_number", "must contain digits only")
		}
	}
	if d.Email != "" && !strings.Contains(d.Email, "@") {
		return apperrors.Validation("email", "invalid address")
	}
	return nil
}

// Save validates the details, registers the seller with the gateway and
// stores the result with the account number masked.
func (s *Service) Save(ctx context.Context, sellerID string, in Details) (payment.BankingDetails, error) {
	if sellerID == "" {
		return payment.BankingDetails{}, apperrors.Required("seller_id")
	}
	if err := in.normalize(); err != nil {
		return payment.BankingDetails{}, err
	}

	details := payment.BankingDetails{
		SellerID:            sellerID,
		BusinessName:        in.BusinessName,
		BankName:            in.BankName,
		BankCode:            in.BankCode,
		AccountNumberMasked: MaskAccount(in.AccountNumber),
		Email:               in.Email,
		Status:              StatusUnverified,
	}

	if s.gateway != nil {
		subaccount, err := s.gateway.CreateSubaccount(ctx, paystack.SubaccountRequest{
			BusinessName:     in.BusinessName,
			BankCode:         in.BankCode,
			AccountNumber:    in.AccountNumber,
			PercentageCharge: s.commission.Mul(decimal.NewFromInt(100)),
			Email:            in.Email,
		})
		if err != nil {
			return payment.BankingDetails{}, apperrors.Upstream("paystack", err)
		}
		recipient, err := s.gateway.CreateRecipient(ctx, paystack.RecipientRequest{
			Name:          in.BusinessName,
			BankCode:      in.BankCode,
			AccountNumber: in.AccountNumber,
		})
		if err != nil {
			return payment.BankingDetails{}, apperrors.Upstream("paystack", err)
		}
		details.SubaccountCode = subaccount
		details.RecipientCode = recipient
		details.Status = StatusActive
	}

	saved, err := s.store.UpsertBankingDetails(ctx, details)
	if err != nil {
		return payment.BankingDetails{}, err
	}
	s.log.WithField("seller_id", sellerID).
		WithField("status", saved.Status).
		Info("banking details saved")
	return saved, nil
}

// Get returns a seller's banking details.
func (s *Service) Get(ctx context.Context, sellerID string) (payment.BankingDetails, error) {
	return s.store.GetBankingDetails(ctx, sellerID)
}

// MaskAccount keeps only the last four digits.
func MaskAccount(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
