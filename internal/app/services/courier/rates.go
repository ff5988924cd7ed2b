package courier

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
)

// Zone classifies a route for fallback pricing.
type Zone int

const (
	ZoneLocal Zone = iota
	ZoneRegional
	ZoneNational
)

// RateBand is one service level of the fallback table.
type RateBand struct {
	Provider     string
	ServiceCode  string
	ServiceName  string
	Local        decimal.Decimal
	Regional     decimal.Decimal
	National     decimal.Decimal
	IncludedKG   float64
	PerKGOver    decimal.Decimal
	LocalDays    int
	RegionalDays int
	NationalDays int
}

// DefaultRates is used when no table is configured.
func DefaultRates() []RateBand {
	return []RateBand{
		{
			Provider: "courier-guy", ServiceCode: "ECO", ServiceName: "Economy",
			Local: decimal.NewFromInt(85), Regional: decimal.NewFromInt(110), National: decimal.NewFromInt(140),
			IncludedKG: 2, PerKGOver: decimal.NewFromInt(15),
			LocalDays: 2, RegionalDays: 3, NationalDays: 5,
		},
		{
			Provider: "courier-guy", ServiceCode: "ONX", ServiceName: "Overnight",
			Local: decimal.NewFromInt(120), Regional: decimal.NewFromInt(160), National: decimal.NewFromInt(210),
			IncludedKG: 2, PerKGOver: decimal.NewFromInt(20),
			LocalDays: 1, RegionalDays: 1, NationalDays: 2,
		},
		{
			Provider: "fastway", ServiceCode: "ROAD", ServiceName: "Road Freight",
			Local: decimal.NewFromInt(75), Regional: decimal.NewFromInt(99), National: decimal.NewFromInt(129),
			IncludedKG: 3, PerKGOver: decimal.NewFromInt(12),
			LocalDays: 2, RegionalDays: 4, NationalDays: 6,
		},
	}
}

// ZoneFor classifies the route between two addresses.
func ZoneFor(from, to courierDomain.Address) Zone {
	sameProvince := normalizeProvince(from.Province) != "" && normalizeProvince(from.Province) == normalizeProvince(to.Province)
	if sameProvince && strings.EqualFold(strings.TrimSpace(from.City), strings.TrimSpace(to.City)) {
		return ZoneLocal
	}
	if sameProvince {
		return ZoneRegional
	}
	return ZoneNational
}

var provinceCodes = map[string]string{
	"gauteng": "GP", "gp": "GP",
	"western cape": "WC", "wc": "WC",
	"eastern cape": "EC", "ec": "EC",
	"northern cape": "NC", "nc": "NC",
	"kwazulu-natal": "KZN", "kwazulu natal": "KZN", "kzn": "KZN",
	"free state": "FS", "fs": "FS",
	"limpopo": "LP", "lp": "LP",
	"mpumalanga": "MP", "mp": "MP",
	"north west": "NW", "north-west": "NW", "nw": "NW",
}

func normalizeProvince(p string) string {
	key := strings.ToLower(strings.TrimSpace(p))
	if code, ok := provinceCodes[key]; ok {
		return code
	}
	return strings.ToUpper(key)
}

// Price computes the fallback price for a parcel in the given zone.
func (b RateBand) Price(zone Zone, weightKG float64) (decimal.Decimal, int) {
	var (
		base decimal.Decimal
		days int
	)
	switch zone {
	case ZoneLocal:
		base, days = b.Local, b.LocalDays
	case ZoneRegional:
		base, days = b.Regional, b.RegionalDays
	default:
		base, days = b.National, b.NationalDays
	}
	if over := weightKG - b.IncludedKG; over > 0 {
		base = base.Add(b.PerKGOver.Mul(decimal.NewFromFloat(math.Ceil(over))))
	}
	return base.Round(2), days
}

func fallbackQuotes(bands []RateBand, provider string, from, to courierDomain.Address, parcel courierDomain.Parcel) []courierDomain.Quote {
	zone := ZoneFor(from, to)
	var quotes []courierDomain.Quote
	for _, band := range bands {
		if provider != "" && band.Provider != provider {
			continue
		}
		price, days := band.Price(zone, parcel.WeightKG)
		quotes = append(quotes, courierDomain.Quote{
			Provider:      band.Provider,
			ServiceCode:   band.ServiceCode,
			ServiceName:   band.ServiceName,
			Price:         price,
			EstimatedDays: days,
			Fallback:      true,
		})
	}
	return quotes
}
