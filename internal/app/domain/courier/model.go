package courier

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address is a courier pickup or drop-off point.
type Address struct {
	Street     string `json:"street,omitempty"`
	Suburb     string `json:"suburb,omitempty"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postal_code"`
}

// Parcel describes what is being shipped.
type Parcel struct {
	WeightKG float64 `json:"weight_kg"`
	LengthCM float64 `json:"length_cm,omitempty"`
	WidthCM  float64 `json:"width_cm,omitempty"`
	HeightCM float64 `json:"height_cm,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// Quote is a priced delivery option.
type Quote struct {
	Provider      string          `json:"provider"`
	ServiceCode   string          `json:"service_code"`
	ServiceName   string          `json:"service_name"`
	Price         decimal.Decimal `json:"price"`
	EstimatedDays int             `json:"estimated_days"`
	Fallback      bool            `json:"fallback"`
}

// Booking is the request to collect a parcel.
type Booking struct {
	Reference   string  `json:"reference"`
	ServiceCode string  `json:"service_code"`
	From        Address `json:"from"`
	To          Address `json:"to"`
	Parcel      Parcel  `json:"parcel"`
	Contact     string  `json:"contact,omitempty"`
}

// Shipment is a booked collection.
type Shipment struct {
	Provider       string          `json:"provider"`
	TrackingNumber string          `json:"tracking_number"`
	Status         string          `json:"status"`
	Events         []TrackingEvent `json:"events,omitempty"`
}

// TrackingEvent is one scan reported by the carrier.
type TrackingEvent struct {
	Status      string    `json:"status"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}
