// Package stripe charges payment methods through the Stripe PaymentIntents
// REST API. The ledger never hears about a charge unless Stripe confirmed or
// definitively declined it.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marketmesh/coinledger/internal/purchase"
)

const (
	defaultBaseURL  = "https://api.stripe.com"
	defaultTimeout  = 15 * time.Second
	paymentIntents  = "/v1/payment_intents"
	statusSucceeded = "succeeded"
)

// Client implements purchase.Gateway against the Stripe API.
type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (tests).
func WithBaseURL(baseURL string) Option {
	return func(client *Client) {
		client.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// NewClient returns a Stripe-backed gateway.
func NewClient(secretKey string, options ...Option) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("stripe: secret key is required")
	}
	client := &Client{
		secretKey:  secretKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type paymentIntentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message       string `json:"message"`
		Code          string `json:"code"`
		PaymentIntent *struct {
			ID string `json:"id"`
		} `json:"payment_intent"`
	} `json:"error"`
}

// Charge creates and confirms a PaymentIntent in one call.
func (client *Client) Charge(ctx context.Context, amountCents int64, paymentMethodRef string) (purchase.Charge, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("payment_method", paymentMethodRef)
	form.Set("confirm", "true")

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+paymentIntents, strings.NewReader(form.Encode()))
	if err != nil {
		return purchase.Charge{}, fmt.Errorf("stripe: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.secretKey)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return purchase.Charge{}, fmt.Errorf("stripe: charge request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return purchase.Charge{}, fmt.Errorf("stripe: read response: %w", err)
	}
	var intent paymentIntentResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		return purchase.Charge{}, fmt.Errorf("stripe: decode response: %w", err)
	}

	switch {
	case response.StatusCode == http.StatusOK && intent.Status == statusSucceeded:
		return purchase.Charge{ChargeID: intent.ID, Status: purchase.ChargeSucceeded}, nil
	case response.StatusCode == http.StatusOK:
		// Confirmed but not succeeded (requires_action, processing, ...):
		// treat as declined so the ledger stays untouched.
		return purchase.Charge{ChargeID: intent.ID, Status: purchase.ChargeDeclined}, nil
	case response.StatusCode == http.StatusPaymentRequired && intent.Error != nil:
		chargeID := ""
		if intent.Error.PaymentIntent != nil {
			chargeID = intent.Error.PaymentIntent.ID
		}
		return purchase.Charge{ChargeID: chargeID, Status: purchase.ChargeDeclined}, nil
	default:
		message := ""
		if intent.Error != nil {
			message = intent.Error.Message
		}
		return purchase.Charge{}, fmt.Errorf("stripe: charge failed with status %d: %s", response.StatusCode, message)
	}
}
