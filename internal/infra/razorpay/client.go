package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.razorpay.com/v1"

type Client struct {
	keyID         string
	keySecret     string
	webhookSecret string
	apiBase       string
	httpClient    *http.Client
}

var _ Gateway = (*Client)(nil)

func NewClient(keyID, keySecret, webhookSecret string) *Client {
	return &Client{
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		apiBase:       defaultAPIBase,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateOrder(ctx context.Context, receipt string, amount float64, currency string) (*GatewayOrder, error) {
	body := map[string]any{
		"amount":   Paise(amount),
		"currency": currency,
		"receipt":  receipt,
	}
	var order GatewayOrder
	if err := c.do(ctx, http.MethodPost, "/orders", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) FetchOrder(ctx context.Context, gatewayOrderID string) (*GatewayOrder, error) {
	var order GatewayOrder
	if err := c.do(ctx, http.MethodGet, "/orders/"+gatewayOrderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) FetchOrderPayments(ctx context.Context, gatewayOrderID string) ([]GatewayPayment, error) {
	var list struct {
		Count int              `json:"count"`
		Items []GatewayPayment `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders/"+gatewayOrderID+"/payments", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) Refund(ctx context.Context, gatewayPaymentID string, amount float64, notes map[string]string) (*GatewayRefund, error) {
	body := map[string]any{}
	if amount > 0 {
		body["amount"] = Paise(amount)
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var refund GatewayRefund
	if err := c.do(ctx, http.MethodPost, "/payments/"+gatewayPaymentID+"/refund", body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// VerifyPaymentSignature checks the checkout-callback signature, an
// HMAC-SHA256 of "<order_id>|<payment_id>" under the API key secret.
func (c *Client) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	payload := gatewayOrderID + "|" + gatewayPaymentID
	return verifyHMAC([]byte(payload), signature, c.keySecret)
}

// VerifyWebhookSignature checks the webhook signature over the raw body bytes
// as received. Verifying a re-serialized payload would break on field order.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	return verifyHMAC(body, signature, c.webhookSecret)
}

func verifyHMAC(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("razorpay request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("razorpay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("razorpay decode: %w", err)
		}
	}
	return nil
}

func apiError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Description != "" {
		msg = envelope.Error.Description
	}

	kind := ErrKindUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindAuth
	case status == http.StatusNotFound:
		kind = ErrKindNotFound
	case status == http.StatusTooManyRequests:
		kind = ErrKindRateLimited
	case status >= 400 && status < 500:
		kind = ErrKindBadRequest
	}
	return &APIError{Kind: kind, StatusCode: status, Message: msg}
}
