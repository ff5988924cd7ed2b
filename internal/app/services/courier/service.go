package courier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/cache"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Carrier is a courier API.
type Carrier interface {
	Name() string
	Quote(ctx context.Context, from, to courierDomain.Address, parcel courierDomain.Parcel) ([]courierDomain.Quote, error)
	Book(ctx context.Context, booking courierDomain.Booking) (courierDomain.Shipment, error)
	Track(ctx context.Context, trackingNumber string) (courierDomain.Shipment, error)
}

// Options tune quoting.
type Options struct {
	QuoteTimeout time.Duration
	CacheTTL     time.Duration
	Rates        []RateBand
}

// Service quotes, books and tracks deliveries across carriers.
type Service struct {
	carriers []Carrier
	byName   map[string]Carrier
	rates    []RateBand
	cache    cache.Store
	timeout  time.Duration
	cacheTTL time.Duration
	log      *logger.Logger
}

// New constructs a courier service. Carriers may be empty, in which case
// every quote comes from the fallback table.
func New(carriers []Carrier, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("courier")
	}
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 8 * time.Second
	}
	if len(opts.Rates) == 0 {
		opts.Rates = DefaultRates()
	}
	byName := make(map[string]Carrier, len(carriers))
	for _, c := range carriers {
		byName[c.Name()] = c
	}
	return &Service{
		carriers: carriers,
		byName:   byName,
		rates:    opts.Rates,
		timeout:  opts.QuoteTimeout,
		cacheTTL: opts.CacheTTL,
		log:      log,
	}
}

// WithCache enables quote caching.
func (s *Service) WithCache(store cache.Store) {
	s.cache = store
}

// QuoteRequest asks for delivery options.
type QuoteRequest struct {
	From   courierDomain.Address `json:"from"`
	To     courierDomain.Address `json:"to"`
	Parcel courierDomain.Parcel  `json:"parcel"`
}

func (r QuoteRequest) validate() error {
	if strings.TrimSpace(r.From.PostalCode) == "" && strings.TrimSpace(r.From.Province) == "" {
		return apperrors.Required("from.province")
	}
	if strings.TrimSpace(r.To.PostalCode) == "" && strings.TrimSpace(r.To.Province) == "" {
		return apperrors.Required("to.province")
	}
	if r.Parcel.WeightKG <= 0 {
		return apperrors.Validation("parcel.weight_kg", "must be positive")
	}
	return nil
}

func (r QuoteRequest) cacheKey() string {
	raw, _ := json.Marshal(r)
	sum := sha256.Sum256(raw)
	return "quotes:" + hex.EncodeToString(sum[:16])
}

// Quotes returns every delivery option sorted by price. A carrier that fails
// or times out is replaced by its fallback table entries.
func (s *Service) Quotes(ctx context.Context, req QuoteRequest) ([]courierDomain.Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := req.cacheKey()
	if s.cache != nil {
		var cached []courierDomain.Quote
		if found, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
			s.log.WithError(err).Warn("quote cache read failed")
		} else if found {
			return cached, nil
		}
	}

	if len(s.carriers) == 0 {
		metrics.RecordCourierFallback("all")
		return sortQuotes(fallbackQuotes(s.rates, "", req.From, req.To, req.Parcel)), nil
	}

	var (
		mu      sync.Mutex
		quotes  []courierDomain.Quote
		anyLive bool
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, carrier := range s.carriers {
		carrier := carrier
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()

			live, err := carrier.Quote(callCtx, req.From, req.To, req.Parcel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(live) == 0 {
				s.log.WithError(err).
					WithField("provider", carrier.Name()).
					Warn("carrier quote failed, using fallback rates")
				metrics.RecordCourierFallback(carrier.Name())
				quotes = append(quotes, fallbackQuotes(s.rates, carrier.Name(), req.From, req.To, req.Parcel)...)
				return nil
			}
			anyLive = true
			quotes = append(quotes, live...)
			return nil
		})
	}
	// Carrier errors are absorbed above so Wait only reports cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		quotes = fallbackQuotes(s.rates, "", req.From, req.To, req.Parcel)
	}
	quotes = sortQuotes(quotes)

	if s.cache != nil && anyLive && s.cacheTTL > 0 {
		if err := cache.SetJSON(ctx, s.cache, key, quotes, s.cacheTTL); err != nil {
			s.log.WithError(err).Warn("quote cache write failed")
		}
	}
	return quotes, nil
}

func sortQuotes(quotes []courierDomain.Quote) []courierDomain.Quote {
	sort.SliceStable(quotes, func(i, j int) bool {
		if !quotes[i].Price.Equal(quotes[j].Price) {
			return quotes[i].Price.LessThan(quotes[j].Price)
		}
		if quotes[i].EstimatedDays != quotes[j].EstimatedDays {
			return quotes[i].EstimatedDays < quotes[j].EstimatedDays
		}
		return quotes[i].Provider < quotes[j].Provider
	})
	return quotes
}

// Cheapest returns the lowest priced option.
func (s *Service) Cheapest(ctx context.Context, req QuoteRequest) (courierDomain.Quote, error) {
	quotes, err := s.Quotes(ctx, req)
	if err != nil {
		return courierDomain.Quote{}, err
	}
	if len(quotes) == 0 {
		return courierDomain.Quote{}, apperrors.NotFound("delivery quote", "")
	}
	return quotes[0], nil
}

// Book books a collection with the named carrier.
func (s *Service) Book(ctx context.Context, provider string, booking courierDomain.Booking) (courierDomain.Shipment, error) {
	carrier, ok := s.byName[provider]
	if !ok {
		return courierDomain.Shipment{}, apperrors.NotFound("carrier", provider)
	}
	shipment, err := carrier.Book(ctx, booking)
	if err != nil {
		return courierDomain.Shipment{}, apperrors.Upstream(provider, err)
	}
	s.log.WithField("provider", provider).
		WithField("reference", booking.Reference).
		WithField("tracking_number", shipment.TrackingNumber).
		Info("courier collection booked")
	return shipment, nil
}

// Track returns the latest status of a shipment.
func (s *Service) Track(ctx context.Context, provider, trackingNumber string) (courierDomain.Shipment, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return courierDomain.Shipment{}, apperrors.Required("tracking_number")
	}
	carrier, ok := s.byName[provider]
	if !ok {
		return courierDomain.Shipment{}, apperrors.NotFound("carrier", provider)
	}
	shipment, err := carrier.Track(ctx, trackingNumber)
	if err != nil {
		return courierDomain.Shipment{}, apperrors.Upstream(provider, fmt.Errorf("track %s: %w", trackingNumber, err))
	}
	return shipment, nil
}

// HasCarrier reports whether provider is configured for booking.
func (s *Service) HasCarrier(provider string) bool {
	_, ok := s.byName[provider]
	return ok
}
