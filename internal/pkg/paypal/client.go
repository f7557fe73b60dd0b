package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/willvault/willvault/internal/pkg/env"
)

const defaultAPIBaseURL = "https://api-m.sandbox.paypal.com"

// Client is a thin authenticated wrapper over the PayPal REST API. Tokens
// are exchanged fresh per operation: billing calls are rare relative to the
// token lifetime, so caching buys nothing and loses a failure mode.
type Client struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string

	WebhookID               string
	AllowUnverifiedWebhooks bool

	HTTPClient *http.Client
}

func NewClientFromEnv() *Client {
	return &Client{
		ClientID:                strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret:            strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		APIBaseURL:              strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE_URL", defaultAPIBaseURL)), "/"),
		WebhookID:               strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		AllowUnverifiedWebhooks: env.GetBool("PAYPAL_ALLOW_UNVERIFIED_WEBHOOKS", false),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetAccessToken performs the client-credentials exchange.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return "", &AuthError{Err: errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET are not configured")}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Err: &RequestError{StatusCode: resp.StatusCode, RawBody: string(body)}}
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &AuthError{Err: err}
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", &AuthError{Err: errors.New("token response missing access_token")}
	}
	return out.AccessToken, nil
}

// doJSON exchanges a fresh token and performs one authenticated JSON call.
// Any non-2xx response becomes a RequestError carrying the raw body.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, headers map[string]string) error {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{StatusCode: resp.StatusCode, RawBody: string(body)}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding paypal response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

type CreateOrderParams struct {
	Amount      decimal.Decimal
	Currency    string
	CustomID    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// CreateOrder creates a one-time CAPTURE-intent order. The custom id carries
// this system's plan metadata through the gateway round trip.
func (c *Client) CreateOrder(ctx context.Context, p CreateOrderParams) (*Order, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"amount": map[string]string{
				"currency_code": p.Currency,
				"value":         p.Amount.StringFixed(2),
			},
			"custom_id":   p.CustomID,
			"description": p.Description,
		}},
		"application_context": map[string]string{
			"brand_name":  "WillVault",
			"user_action": "PAY_NOW",
			"return_url":  p.ReturnURL,
			"cancel_url":  p.CancelURL,
		},
	}

	var order Order
	err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body, &order, map[string]string{
		"PayPal-Request-Id": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &order, nil); err != nil {
		return nil, err
	}
	return &order, nil
}

// CaptureOrder finalizes payment for a buyer-approved order. PayPal rejects
// repeat captures, so callers must check order status first.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	err := c.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &order, map[string]string{
		"PayPal-Request-Id": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

type CreateSubscriptionParams struct {
	PlanID    string
	CustomID  string
	ReturnURL string
	CancelURL string
}

func (c *Client) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*Subscription, error) {
	body := map[string]any{
		"plan_id":   p.PlanID,
		"custom_id": p.CustomID,
		"application_context": map[string]string{
			"brand_name":  "WillVault",
			"user_action": "SUBSCRIBE_NOW",
			"return_url":  p.ReturnURL,
			"cancel_url":  p.CancelURL,
		},
	}

	var sub Subscription
	err := c.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &sub, map[string]string{
		"PayPal-Request-Id": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub, nil); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelSubscription tears down a gateway subscription. Returns 204 with no
// body on success.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", body, nil, nil)
}

// RefundCapture refunds a completed capture, in part or in full.
func (c *Client) RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency, note string) (*Refund, error) {
	body := map[string]any{
		"amount": map[string]string{
			"currency_code": currency,
			"value":         amount.StringFixed(2),
		},
		"note_to_payer": note,
	}

	var refund Refund
	err := c.doJSON(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(captureID)+"/refund", body, &refund, map[string]string{
		"PayPal-Request-Id": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return &refund, nil
}
