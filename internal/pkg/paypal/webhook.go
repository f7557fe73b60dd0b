package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// WebhookSignature collects the PayPal transmission headers needed for
// server-side signature verification.
type WebhookSignature struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// SignatureFromHeaders builds a WebhookSignature from a header getter.
func SignatureFromHeaders(get func(key string) string) WebhookSignature {
	return WebhookSignature{
		TransmissionID:   strings.TrimSpace(get("Paypal-Transmission-Id")),
		TransmissionTime: strings.TrimSpace(get("Paypal-Transmission-Time")),
		TransmissionSig:  strings.TrimSpace(get("Paypal-Transmission-Sig")),
		CertURL:          strings.TrimSpace(get("Paypal-Cert-Url")),
		AuthAlgo:         strings.TrimSpace(get("Paypal-Auth-Algo")),
	}
}

// VerifyWebhookSignature validates an inbound event against the configured
// webhook id using PayPal's verification endpoint. With no webhook id
// configured, verification fails closed: every event is rejected unless the
// operator explicitly enabled unverified acceptance for development.
func (c *Client) VerifyWebhookSignature(ctx context.Context, sig WebhookSignature, rawBody []byte) (bool, error) {
	if c.WebhookID == "" {
		if c.AllowUnverifiedWebhooks {
			fiberlog.Warn("paypal: PAYPAL_WEBHOOK_ID not set and unverified webhooks explicitly allowed; accepting event WITHOUT signature verification")
			return true, nil
		}
		fiberlog.Error("paypal: PAYPAL_WEBHOOK_ID not configured; rejecting webhook")
		return false, nil
	}

	body := map[string]any{
		"auth_algo":         sig.AuthAlgo,
		"cert_url":          sig.CertURL,
		"transmission_id":   sig.TransmissionID,
		"transmission_sig":  sig.TransmissionSig,
		"transmission_time": sig.TransmissionTime,
		"webhook_id":        c.WebhookID,
		"webhook_event":     json.RawMessage(rawBody),
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, &out, nil); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
