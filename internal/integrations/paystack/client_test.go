package paystack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL, SecretKey: "sk_test"})
	require.NoError(t, err)
	return client
}

func TestInitializeSendsSubunitsAndSplit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 45050, body["amount"])
		assert.Equal(t, "ACCT_seller", body["subaccount"])
		assert.Equal(t, "ZAR", body["currency"])
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"ref-1"}}`))
	})

	checkout, err := client.Initialize(context.Background(), InitializeRequest{
		Email: "buyer@example.com", Amount: decimal.RequireFromString("450.50"), Reference: "ref-1", Subaccount: "ACCT_seller",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/abc", checkout.AuthorizationURL)
	assert.Equal(t, "ref-1", checkout.Reference)
}

func TestVerifyParsesCharge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/ref-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"data":{"id":991,"status":"success","reference":"ref-9","amount":120000,"currency":"ZAR","paid_at":"2024-05-01T10:00:00Z","gateway_response":"Approved"}}`))
	})

	v, err := client.Verify(context.Background(), "ref-9")
	require.NoError(t, err)
	assert.True(t, v.Successful())
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, "991", v.GatewayID)
	assert.Equal(t, 2024, v.PaidAt.Year())
}

func TestCallSurfacesGatewayError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"message":"Transaction has been fully reversed"}`))
	})

	_, err := client.Refund(context.Background(), "ref-1", decimal.NewFromInt(10), "")
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "Transaction has been fully reversed", gwErr.Message)
	assert.False(t, gwErr.Temporary())
}

func TestCreateRecipientAndTransfer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transferrecipient":
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
		case "/transfer":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "payout-1", body["reference"])
			assert.EqualValues(t, 9000, body["amount"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"transfer_code":"TRF_1","status":"success"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	code, err := client.CreateRecipient(context.Background(), RecipientRequest{Name: "Sipho", BankCode: "632005", AccountNumber: "0123456789"})
	require.NoError(t, err)
	assert.Equal(t, "RCP_1", code)

	tr, err := client.Transfer(context.Background(), TransferRequest{Amount: decimal.NewFromInt(90), Recipient: code, Reference: "payout-1"})
	require.NoError(t, err)
	assert.Equal(t, "TRF_1", tr.Code)
}

func TestSubunitConversion(t *testing.T) {
	assert.Equal(t, int64(1999), ToSubunit(decimal.RequireFromString("19.99")))
	assert.True(t, FromSubunit(1999).Equal(decimal.RequireFromString("19.99")))
}
