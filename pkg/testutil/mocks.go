// Package testutil provides in-process stand-ins for the marketplace's
// external collaborators.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/integrations/email"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
)

// Gateway is an in-memory payment provider. Every initialised checkout is
// reported as paid in full when verified unless it was abandoned.
type Gateway struct {
	mu        sync.Mutex
	amounts   map[string]decimal.Decimal
	inits     []paystack.InitializeRequest
	refunds   map[string]decimal.Decimal
	transfers map[string]decimal.Decimal
	failures  map[string]error
	abandoned map[string]bool
}

// NewGateway creates an empty gateway.
func NewGateway() *Gateway {
	return &Gateway{
		amounts:   make(map[string]decimal.Decimal),
		refunds:   make(map[string]decimal.Decimal),
		transfers: make(map[string]decimal.Decimal),
		failures:  make(map[string]error),
		abandoned: make(map[string]bool),
	}
}

// Abandon makes the checkout behind reference verify as abandoned.
func (g *Gateway) Abandon(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned[reference] = true
}

// FailOn makes the named operation ("refund", "transfer", ...) return err
// until cleared with a nil error.
func (g *Gateway) FailOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// Initialized returns every checkout request in call order.
func (g *Gateway) Initialized() []paystack.InitializeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]paystack.InitializeRequest(nil), g.inits...)
}

// Refunds returns the refunded amount per payment reference.
func (g *Gateway) Refunds() map[string]decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(g.refunds))
	for k, v := range g.refunds {
		out[k] = v
	}
	return out
}

// Transfers returns the transferred amount per payout reference.
func (g *Gateway) Transfers() map[string]decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(g.transfers))
	for k, v := range g.transfers {
		out[k] = v
	}
	return out
}

func (g *Gateway) fail(op string) error {
	return g.failures[op]
}

func (g *Gateway) Initialize(_ context.Context, req paystack.InitializeRequest) (paystack.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("initialize"); err != nil {
		return paystack.Checkout{}, err
	}
	g.amounts[req.Reference] = req.Amount
	g.inits = append(g.inits, req)
	return paystack.Checkout{
		Reference:        req.Reference,
		AuthorizationURL: "https://pay.example/" + req.Reference,
		AccessCode:       "AC_" + req.Reference,
	}, nil
}

func (g *Gateway) Verify(_ context.Context, reference string) (paystack.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("verify"); err != nil {
		return paystack.Verification{}, err
	}
	amount, ok := g.amounts[reference]
	if !ok || g.abandoned[reference] {
		return paystack.Verification{Reference: reference, Status: "abandoned"}, nil
	}
	return paystack.Verification{Reference: reference, Status: "success", Amount: amount, Currency: "ZAR"}, nil
}

func (g *Gateway) Refund(_ context.Context, reference string, amount decimal.Decimal, _ string) (paystack.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("refund"); err != nil {
		return paystack.Refund{}, err
	}
	g.refunds[reference] = g.refunds[reference].Add(amount)
	return paystack.Refund{ID: "rf-" + reference, Status: "processed", Amount: amount}, nil
}

func (g *Gateway) CreateSubaccount(_ context.Context, req paystack.SubaccountRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("subaccount"); err != nil {
		return "", err
	}
	return fmt.Sprintf("ACCT_%s", req.AccountNumber), nil
}

func (g *Gateway) CreateRecipient(_ context.Context, req paystack.RecipientRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("recipient"); err != nil {
		return "", err
	}
	return fmt.Sprintf("RCP_%s", req.AccountNumber), nil
}

func (g *Gateway) Transfer(_ context.Context, req paystack.TransferRequest) (paystack.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("transfer"); err != nil {
		return paystack.Transfer{}, err
	}
	g.transfers[req.Reference] = req.Amount
	return paystack.Transfer{Code: "TRF_" + req.Reference, Status: "success"}, nil
}

// Mailer records outgoing messages instead of sending them.
type Mailer struct {
	mu   sync.Mutex
	sent []email.Message
}

// NewMailer creates an empty mailer.
func NewMailer() *Mailer {
	return &Mailer{}
}

func (m *Mailer) Send(_ context.Context, msg email.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

// Sent returns a copy of every recorded message.
func (m *Mailer) Sent() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message(nil), m.sent...)
}

// SentTo returns the messages addressed to recipient.
func (m *Mailer) SentTo(recipient string) []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []email.Message
	for _, msg := range m.sent {
		if msg.To == recipient {
			out = append(out, msg)
		}
	}
	return out
}
