package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/cache"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

type fakeCarrier struct {
	name   string
	quotes []courierDomain.Quote
	err    error
	delay  time.Duration
	calls  int
	booked []courierDomain.Booking
}

func (f *fakeCarrier) Name() string { return f.name }

func (f *fakeCarrier) Quote(ctx context.Context, _, _ courierDomain.Address, _ courierDomain.Parcel) ([]courierDomain.Quote, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.quotes, f.err
}

func (f *fakeCarrier) Book(_ context.Context, b courierDomain.Booking) (courierDomain.Shipment, error) {
	f.booked = append(f.booked, b)
	return courierDomain.Shipment{Provider: f.name, TrackingNumber: "TRK-" + b.Reference, Status: "booked"}, nil
}

func (f *fakeCarrier) Track(_ context.Context, tracking string) (courierDomain.Shipment, error) {
	return courierDomain.Shipment{Provider: f.name, TrackingNumber: tracking, Status: "in_transit"}, nil
}

func quoteRequest() QuoteRequest {
	return QuoteRequest{
		From:   courierDomain.Address{City: "Pretoria", Province: "Gauteng", PostalCode: "0002"},
		To:     courierDomain.Address{City: "Cape Town", Province: "Western Cape", PostalCode: "8001"},
		Parcel: courierDomain.Parcel{WeightKG: 1.5},
	}
}

func TestQuotesSortedAcrossCarriers(t *testing.T) {
	guy := &fakeCarrier{name: "courier-guy", quotes: []courierDomain.Quote{
		{Provider: "courier-guy", ServiceCode: "ECO", Price: decimal.NewFromInt(120), EstimatedDays: 3},
	}}
	fw := &fakeCarrier{name: "fastway", quotes: []courierDomain.Quote{
		{Provider: "fastway", ServiceCode: "ROAD", Price: decimal.NewFromInt(95), EstimatedDays: 4},
	}}
	svc := New([]Carrier{guy, fw}, Options{}, logger.NewDiscard())

	quotes, err := svc.Quotes(context.Background(), quoteRequest())
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if quotes[0].Provider != "fastway" || quotes[0].Fallback {
		t.Fatalf("expected live fastway quote first, got %+v", quotes[0])
	}
}

func TestQuotesFallBackForFailingCarrier(t *testing.T) {
	guy := &fakeCarrier{name: "courier-guy", err: errors.New("503")}
	fw := &fakeCarrier{name: "fastway", quotes: []courierDomain.Quote{
		{Provider: "fastway", ServiceCode: "ROAD", Price: decimal.NewFromInt(95), EstimatedDays: 4},
	}}
	svc := New([]Carrier{guy, fw}, Options{}, logger.NewDiscard())

	quotes, err := svc.Quotes(context.Background(), quoteRequest())
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	var fallback int
	for _, q := range quotes {
		if q.Provider == "courier-guy" {
			if !q.Fallback {
				t.Fatalf("courier-guy quote should be flagged fallback: %+v", q)
			}
			fallback++
		}
		if q.Provider == "fastway" && q.Fallback {
			t.Fatalf("fastway answered live, should not be fallback")
		}
	}
	if fallback != 2 {
		t.Fatalf("expected both courier-guy fallback bands, got %d", fallback)
	}
}

func TestQuotesTimeoutUsesFallback(t *testing.T) {
	slow := &fakeCarrier{name: "fastway", delay: time.Second}
	svc := New([]Carrier{slow}, Options{QuoteTimeout: 20 * time.Millisecond}, logger.NewDiscard())

	quotes, err := svc.Quotes(context.Background(), quoteRequest())
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != 1 || !quotes[0].Fallback || quotes[0].Provider != "fastway" {
		t.Fatalf("expected single fastway fallback quote, got %+v", quotes)
	}
	// National road rate plus nothing over the included weight.
	if !quotes[0].Price.Equal(decimal.NewFromInt(129)) {
		t.Fatalf("unexpected fallback price %s", quotes[0].Price)
	}
}

func TestQuotesWithoutCarriers(t *testing.T) {
	svc := New(nil, Options{}, logger.NewDiscard())
	quotes, err := svc.Quotes(context.Background(), quoteRequest())
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != len(DefaultRates()) {
		t.Fatalf("expected every default band, got %d", len(quotes))
	}
	for i := 1; i < len(quotes); i++ {
		if quotes[i].Price.LessThan(quotes[i-1].Price) {
			t.Fatalf("quotes not sorted by price")
		}
	}
}

func TestQuotesCached(t *testing.T) {
	fw := &fakeCarrier{name: "fastway", quotes: []courierDomain.Quote{
		{Provider: "fastway", ServiceCode: "ROAD", Price: decimal.NewFromInt(95)},
	}}
	svc := New([]Carrier{fw}, Options{CacheTTL: time.Minute}, logger.NewDiscard())
	svc.WithCache(cache.NewMemory())

	for i := 0; i < 3; i++ {
		if _, err := svc.Quotes(context.Background(), quoteRequest()); err != nil {
			t.Fatalf("quotes: %v", err)
		}
	}
	if fw.calls != 1 {
		t.Fatalf("expected carrier to be called once, got %d", fw.calls)
	}
}

func TestQuotesValidation(t *testing.T) {
	svc := New(nil, Options{}, logger.NewDiscard())
	req := quoteRequest()
	req.Parcel.WeightKG = 0
	if _, err := svc.Quotes(context.Background(), req); err == nil {
		t.Fatalf("expected validation error for zero weight")
	}
}

func TestZoneAndWeightBands(t *testing.T) {
	jhb := courierDomain.Address{City: "Johannesburg", Province: "GP"}
	pta := courierDomain.Address{City: "Pretoria", Province: "Gauteng"}
	if z := ZoneFor(jhb, jhb); z != ZoneLocal {
		t.Fatalf("expected local zone, got %d", z)
	}
	if z := ZoneFor(jhb, pta); z != ZoneRegional {
		t.Fatalf("expected regional zone, got %d", z)
	}

	band := DefaultRates()[0]
	price, days := band.Price(ZoneRegional, 3.2)
	// 110 + 2 started kilograms over the included 2kg at 15 each.
	if !price.Equal(decimal.NewFromInt(140)) || days != 3 {
		t.Fatalf("unexpected band price %s/%d", price, days)
	}
}

func TestBookAndTrackDelegate(t *testing.T) {
	fw := &fakeCarrier{name: "fastway"}
	svc := New([]Carrier{fw}, Options{}, logger.NewDiscard())

	shipment, err := svc.Book(context.Background(), "fastway", courierDomain.Booking{Reference: "order-1"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if shipment.TrackingNumber != "TRK-order-1" || len(fw.booked) != 1 {
		t.Fatalf("unexpected booking result %+v", shipment)
	}
	if _, err := svc.Book(context.Background(), "unknown", courierDomain.Booking{}); err == nil {
		t.Fatalf("expected unknown carrier error")
	}
	tracked, err := svc.Track(context.Background(), "fastway", "TRK-1")
	if err != nil || tracked.Status != "in_transit" {
		t.Fatalf("track: %+v %v", tracked, err)
	}
}
