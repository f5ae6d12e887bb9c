package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StripeClient is a Provider backed by Stripe Checkout sessions with manual
// capture. The external ref is the checkout session id; the payment intent
// behind it is resolved on every capture/cancel.
type StripeClient struct {
	baseURL    string
	secretKey  string
	successURL string
	cancelURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

type StripeConfig struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	RPS        int
}

func NewStripeClient(cfg StripeConfig, log *zap.Logger) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 20
	}
	return &StripeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		httpClient: &http.Client{
			// per-call deadlines come from the caller's context
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

type stripeSession struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Status        string          `json:"status"` // open / complete / expired
	PaymentStatus string          `json:"payment_status"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

type stripePaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// paymentIntent decodes the expanded (object) or collapsed (id) form.
func (s *stripeSession) paymentIntent() *stripePaymentIntent {
	raw := strings.TrimSpace(string(s.PaymentIntent))
	if raw == "" || raw == "null" {
		return nil
	}
	var pi stripePaymentIntent
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(s.PaymentIntent, &pi); err != nil {
			return nil
		}
		return &pi
	}
	var id string
	if err := json.Unmarshal(s.PaymentIntent, &id); err != nil || id == "" {
		return nil
	}
	return &stripePaymentIntent{ID: id}
}

func (c *StripeClient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	const op = "create_intent"

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.ContractID.String())
	form.Set("success_url", withEscrowID(c.successURL, req.ContractID.String(), "success"))
	form.Set("cancel_url", withEscrowID(c.cancelURL, req.ContractID.String(), "cancel"))
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minorAmount(req.Amount), 10))
	desc := req.Description
	if desc == "" {
		desc = "Escrow deposit"
	}
	form.Set("line_items[0][price_data][product_data][name]", desc)
	form.Set("payment_intent_data[capture_method]", "manual")
	form.Set("payment_intent_data[metadata][contract_id]", req.ContractID.String())
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var session stripeSession
	if err := c.do(ctx, op, http.MethodPost, "/v1/checkout/sessions", form, req.IdempotencyKey, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, NewPermanent(op, errors.New("provider returned empty session id"))
	}
	return &Intent{ExternalRef: session.ID, CheckoutURL: session.URL}, nil
}

func (c *StripeClient) FetchIntentStatus(ctx context.Context, externalRef string) (IntentState, error) {
	session, err := c.getSession(ctx, "fetch_intent_status", externalRef)
	if err != nil {
		return "", err
	}
	return mapSessionState(session), nil
}

func (c *StripeClient) Capture(ctx context.Context, externalRef, idempotencyKey string) error {
	const op = "capture"

	session, err := c.getSession(ctx, op, externalRef)
	if err != nil {
		return err
	}
	pi := session.paymentIntent()
	if pi == nil {
		return NewPermanent(op, errors.New("no payment intent behind session"))
	}
	switch pi.Status {
	case "succeeded":
		return nil
	case "canceled":
		return NewPermanent(op, errors.New("payment intent already canceled"))
	}

	path := fmt.Sprintf("/v1/payment_intents/%s/capture", url.PathEscape(pi.ID))
	return c.do(ctx, op, http.MethodPost, path, url.Values{}, idempotencyKey, nil)
}

func (c *StripeClient) CancelAuthorization(ctx context.Context, externalRef, idempotencyKey string) error {
	const op = "cancel_authorization"

	session, err := c.getSession(ctx, op, externalRef)
	if err != nil {
		return err
	}

	pi := session.paymentIntent()
	if pi == nil || pi.Status == "" {
		if session.Status != "open" {
			return nil
		}
		path := fmt.Sprintf("/v1/checkout/sessions/%s/expire", url.PathEscape(session.ID))
		return c.do(ctx, op, http.MethodPost, path, url.Values{}, idempotencyKey, nil)
	}

	switch pi.Status {
	case "canceled":
		return nil
	case "succeeded":
		return NewPermanent(op, errors.New("payment intent already captured"))
	}
	form := url.Values{}
	form.Set("cancellation_reason", "requested_by_customer")
	path := fmt.Sprintf("/v1/payment_intents/%s/cancel", url.PathEscape(pi.ID))
	return c.do(ctx, op, http.MethodPost, path, form, idempotencyKey, nil)
}

func (c *StripeClient) getSession(ctx context.Context, op, id string) (*stripeSession, error) {
	if id == "" {
		return nil, NewPermanent(op, errors.New("missing external payment ref"))
	}
	path := fmt.Sprintf("/v1/checkout/sessions/%s?expand[]=payment_intent", url.PathEscape(id))
	var session stripeSession
	if err := c.do(ctx, op, http.MethodGet, path, nil, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *StripeClient) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) error {
	if c.secretKey == "" {
		return NewPermanent(op, errors.New("stripe secret key not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return NewTransient(op, err)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return NewPermanent(op, err)
	}
	req.SetBasicAuth(c.secretKey, "")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewTransient(op, fmt.Errorf("provider unavailable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb stripeErrorBody
		_ = json.Unmarshal(b, &eb)
		msg := eb.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		perr := fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)
		c.log.Warn("payment provider error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", eb.Error.Code),
		)
		if isTransientStatus(resp.StatusCode) {
			return NewTransient(op, perr)
		}
		return NewPermanent(op, perr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewTransient(op, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}

// 409 is returned while a request with the same idempotency key is in flight.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusConflict || code >= 500
}

func mapSessionState(s *stripeSession) IntentState {
	if pi := s.paymentIntent(); pi != nil && pi.Status != "" {
		switch pi.Status {
		case "requires_capture":
			return StateAuthorized
		case "succeeded":
			return StatePaid
		case "canceled":
			return StateCanceled
		}
		if s.Status == "expired" {
			return StateCanceled
		}
		return StateRequiresAction
	}
	switch s.Status {
	case "expired":
		return StateCanceled
	case "complete":
		if s.PaymentStatus == "paid" {
			return StatePaid
		}
	}
	return StateRequiresAction
}

func minorAmount(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func withEscrowID(base, id, result string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("escrowId", id)
	q.Set("sync", "1")
	q.Set("result", result)
	u.RawQuery = q.Encode()
	return u.String()
}
