// Package fastway is a client for the Fastway Couriers lookup, consignment
// and track-and-trace API.
package fastway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/resilience"
)

// Provider is the carrier name stored on quotes and orders.
const Provider = "fastway"

// Config holds client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient resilience.Doer
}

// Client calls the carrier API. Authentication is an api_key query parameter.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient resilience.Doer
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fastway base URL is required")
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

// Quote looks up the services available between two postal codes.
func (c *Client) Quote(ctx context.Context, from, to courier.Address, parcel courier.Parcel) ([]courier.Quote, error) {
	q := url.Values{}
	q.Set("PickupPostcode", from.PostalCode)
	q.Set("DestPostcode", to.PostalCode)
	q.Set("Suburb", to.Suburb)
	q.Set("WeightInKg", strconv.FormatFloat(parcel.WeightKG, 'f', 2, 64))

	body, err := c.call(ctx, http.MethodGet, "/api/psc/lookup", q, nil)
	if err != nil {
		return nil, err
	}
	result := body.Get("result")
	days := int(result.Get("delivery_timeframe_days").Int())

	var quotes []courier.Quote
	result.Get("services").ForEach(func(_, svc gjson.Result) bool {
		price, err := decimal.NewFromString(svc.Get("totalprice_normal").String())
		if err != nil {
			return true
		}
		code := svc.Get("labelcolour").String()
		name := svc.Get("name").String()
		if name == "" {
			name = code
		}
		quotes = append(quotes, courier.Quote{
			Provider:      Provider,
			ServiceCode:   code,
			ServiceName:   name,
			Price:         price.Round(2),
			EstimatedDays: days,
		})
		return true
	})
	if len(quotes) == 0 {
		return nil, fmt.Errorf("fastway: no services for %s to %s", from.PostalCode, to.PostalCode)
	}
	return quotes, nil
}

// Book creates a consignment and returns its label number.
func (c *Client) Book(ctx context.Context, booking courier.Booking) (courier.Shipment, error) {
	body, err := c.call(ctx, http.MethodPost, "/api/consignments", nil, map[string]any{
		"Reference":       booking.Reference,
		"ServiceCode":     booking.ServiceCode,
		"PickupPostcode":  booking.From.PostalCode,
		"PickupAddress":   strings.TrimSpace(booking.From.Street + ", " + booking.From.City),
		"DestPostcode":    booking.To.PostalCode,
		"DestAddress":     strings.TrimSpace(booking.To.Street + ", " + booking.To.City),
		"WeightInKg":      booking.Parcel.WeightKG,
		"ContactDetails":  booking.Contact,
		"SpecialInstruct": "Textbook parcel",
	})
	if err != nil {
		return courier.Shipment{}, err
	}
	label := body.Get("result.LabelNumbers.0").String()
	if label == "" {
		return courier.Shipment{}, fmt.Errorf("fastway: label number missing")
	}
	return courier.Shipment{Provider: Provider, TrackingNumber: label, Status: "booked"}, nil
}

// Track returns the scan history for a label.
func (c *Client) Track(ctx context.Context, trackingNumber string) (courier.Shipment, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/tracktrace/detail/"+url.PathEscape(trackingNumber), nil, nil)
	if err != nil {
		return courier.Shipment{}, err
	}
	result := courier.Shipment{Provider: Provider, TrackingNumber: trackingNumber}
	body.Get("result.Scans").ForEach(func(_, scan gjson.Result) bool {
		at, _ := time.Parse("2006-01-02T15:04:05", scan.Get("Date").String())
		result.Events = append(result.Events, courier.TrackingEvent{
			Status:      scan.Get("Type").String(),
			Location:    scan.Get("Name").String(),
			Description: scan.Get("Description").String(),
			At:          at.UTC(),
		})
		return true
	})
	if n := len(result.Events); n > 0 {
		result.Status = result.Events[n-1].Status
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload any) (gjson.Result, error) {
	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	target := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("fastway %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	parsed := gjson.ParseBytes(raw)
	if resp.StatusCode >= 400 {
		return gjson.Result{}, fmt.Errorf("fastway: status %d", resp.StatusCode)
	}
	// Fastway reports failures with a 200 and an error field.
	if msg := parsed.Get("error").String(); msg != "" {
		return gjson.Result{}, fmt.Errorf("fastway: %s", msg)
	}
	return parsed, nil
}
