// Package courierguy is a client for The Courier Guy rates, shipments and
// tracking API.
package courierguy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/resilience"
)

// Provider is the carrier name stored on quotes and orders.
const Provider = "courier-guy"

// Config holds client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient resilience.Doer
}

// Client calls the carrier API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient resilience.Doer
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("courier guy base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

func (c *Client) Name() string { return Provider }

func address(a courier.Address) map[string]any {
	return map[string]any{
		"type":           "residential",
		"street_address": a.Street,
		"local_area":     a.Suburb,
		"city":           a.City,
		"zone":           a.Province,
		"code":           a.PostalCode,
		"country":        "ZA",
	}
}

func parcels(p courier.Parcel) []map[string]any {
	return []map[string]any{{
		"submitted_length_cm": p.LengthCM,
		"submitted_width_cm":  p.WidthCM,
		"submitted_height_cm": p.HeightCM,
		"submitted_weight_kg": p.WeightKG,
	}}
}

// Quote returns the priced service levels for a parcel.
func (c *Client) Quote(ctx context.Context, from, to courier.Address, parcel courier.Parcel) ([]courier.Quote, error) {
	body, err := c.call(ctx, http.MethodPost, "/v2/rates", map[string]any{
		"collection_address": address(from),
		"delivery_address":   address(to),
		"parcels":            parcels(parcel),
		"declared_value":     parcel.Value,
	})
	if err != nil {
		return nil, err
	}

	var quotes []courier.Quote
	body.Get("rates").ForEach(func(_, rate gjson.Result) bool {
		price, err := decimal.NewFromString(rate.Get("rate").String())
		if err != nil {
			return true
		}
		quotes = append(quotes, courier.Quote{
			Provider:      Provider,
			ServiceCode:   rate.Get("service_level.code").String(),
			ServiceName:   rate.Get("service_level.name").String(),
			Price:         price.Round(2),
			EstimatedDays: daysUntil(rate.Get("service_level.delivery_date_to").String()),
		})
		return true
	})
	if len(quotes) == 0 {
		return nil, fmt.Errorf("courier guy: no rates returned")
	}
	return quotes, nil
}

func daysUntil(raw string) int {
	if raw == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	days := int(time.Until(ts).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	return days
}

// Book requests a collection and returns the shipment.
func (c *Client) Book(ctx context.Context, booking courier.Booking) (courier.Shipment, error) {
	body, err := c.call(ctx, http.MethodPost, "/v2/shipments", map[string]any{
		"collection_address":      address(booking.From),
		"delivery_address":        address(booking.To),
		"parcels":                 parcels(booking.Parcel),
		"service_level_code":      booking.ServiceCode,
		"customer_reference":      booking.Reference,
		"special_instructions_co": booking.Contact,
	})
	if err != nil {
		return courier.Shipment{}, err
	}
	tracking := body.Get("short_tracking_reference").String()
	if tracking == "" {
		tracking = body.Get("tracking_reference").String()
	}
	if tracking == "" {
		return courier.Shipment{}, fmt.Errorf("courier guy: tracking reference missing")
	}
	return courier.Shipment{
		Provider:       Provider,
		TrackingNumber: tracking,
		Status:         body.Get("status").String(),
	}, nil
}

// Track returns the shipment status and scan history.
func (c *Client) Track(ctx context.Context, trackingNumber string) (courier.Shipment, error) {
	body, err := c.call(ctx, http.MethodGet, "/v2/tracking/shipments?tracking_reference="+url.QueryEscape(trackingNumber), nil)
	if err != nil {
		return courier.Shipment{}, err
	}
	shipment := body.Get("shipments.0")
	if !shipment.Exists() {
		return courier.Shipment{}, fmt.Errorf("courier guy: shipment %s not found", trackingNumber)
	}
	result := courier.Shipment{
		Provider:       Provider,
		TrackingNumber: trackingNumber,
		Status:         shipment.Get("status").String(),
	}
	shipment.Get("tracking_events").ForEach(func(_, evt gjson.Result) bool {
		at, _ := time.Parse(time.RFC3339, evt.Get("date").String())
		result.Events = append(result.Events, courier.TrackingEvent{
			Status:      evt.Get("status").String(),
			Location:    evt.Get("location").String(),
			Description: evt.Get("message").String(),
			At:          at.UTC(),
		})
		return true
	})
	return result, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("courier guy %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, fmt.Errorf("courier guy: status %d: %s", resp.StatusCode, msg)
	}
	return gjson.ParseBytes(raw), nil
}
