package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureFromHeaders(t *testing.T) {
	headers := map[string]string{
		"Paypal-Transmission-Id":   "tid-1",
		"Paypal-Transmission-Time": "2025-06-01T10:00:00Z",
		"Paypal-Transmission-Sig":  "sig-data",
		"Paypal-Cert-Url":          "https://api.paypal.com/cert.pem",
		"Paypal-Auth-Algo":         "SHA256withRSA",
	}
	sig := SignatureFromHeaders(func(key string) string { return headers[key] })

	assert.Equal(t, "tid-1", sig.TransmissionID)
	assert.Equal(t, "sig-data", sig.TransmissionSig)
	assert.Equal(t, "SHA256withRSA", sig.AuthAlgo)
}

func TestVerifyWebhookSignatureSuccess(t *testing.T) {
	rawBody := []byte(`{"id":"WH-1","event_type":"PAYMENT.SALE.COMPLETED"}`)

	mux := http.NewServeMux()
	registerTokenEndpoint(t, mux)
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WebhookID    string          `json:"webhook_id"`
			WebhookEvent json.RawMessage `json:"webhook_event"`
			Transmission string          `json:"transmission_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wh-configured", body.WebhookID)
		// The original payload must be forwarded byte-for-byte.
		assert.JSONEq(t, string(rawBody), string(body.WebhookEvent))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verification_status":"SUCCESS"}`))
	})
	client := newTestClient(t, mux)
	client.WebhookID = "wh-configured"

	ok, err := client.VerifyWebhookSignature(context.Background(), WebhookSignature{TransmissionID: "tid"}, rawBody)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWebhookSignatureFailure(t *testing.T) {
	mux := http.NewServeMux()
	registerTokenEndpoint(t, mux)
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verification_status":"FAILURE"}`))
	})
	client := newTestClient(t, mux)
	client.WebhookID = "wh-configured"

	ok, err := client.VerifyWebhookSignature(context.Background(), WebhookSignature{}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookSignatureFailsClosedWithoutWebhookID(t *testing.T) {
	client := &Client{HTTPClient: http.DefaultClient}

	ok, err := client.VerifyWebhookSignature(context.Background(), WebhookSignature{}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookSignatureDevOverride(t *testing.T) {
	client := &Client{HTTPClient: http.DefaultClient, AllowUnverifiedWebhooks: true}

	ok, err := client.VerifyWebhookSignature(context.Background(), WebhookSignature{}, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, ok)
}
