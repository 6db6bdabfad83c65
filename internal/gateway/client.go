package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"checkout-service/internal/signer"
	"checkout-service/internal/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Config holds the gateway endpoint and session settings.
type Config struct {
	BaseURL    string
	Locale     string
	Timeout    time.Duration
	Expiration time.Duration
	// AppURL is the public base URL used to build return and cancel redirects.
	AppURL string
}

// Client issues signed calls to the hosted checkout API.
type Client struct {
	cfg    Config
	signer *signer.Signer
	http   *http.Client
	audit  *AuditLog
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the time source used for expirations and error dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a gateway client. audit may be nil.
func NewClient(cfg Config, s *signer.Signer, audit *AuditLog, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Hour
	}

	c := &Client{
		cfg:    cfg,
		signer: s,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		audit:  audit,
		logger: util.GetLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession opens a hosted checkout session for a payment.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) SessionResult {
	items := make([]itemPayload, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, itemPayload{
			SKU:      it.SKU,
			Name:     it.Name,
			Category: it.Category,
			Qty:      it.Qty,
			Price:    money(it.Price),
			Tax:      money(it.Tax),
		})
	}

	buyer := req.Buyer
	if buyer.DocumentType == "" {
		buyer.DocumentType = "CC"
	}

	ref := url.QueryEscape(req.Reference)
	payload := sessionPayload{
		Auth:   c.signer.Sign(),
		Locale: c.cfg.Locale,
		Payment: &paymentPayload{
			Reference:   req.Reference,
			Description: req.Description,
			Amount: amountPayload{
				Currency: req.Currency,
				Total:    money(req.Total),
			},
			Items: items,
		},
		Buyer:      &buyer,
		Expiration: c.now().Add(c.cfg.Expiration).Format(time.RFC3339),
		ReturnURL:  c.cfg.AppURL + "/payment/return?reference=" + ref,
		CancelURL:  c.cfg.AppURL + "/payment/cancel?reference=" + ref,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	}

	return c.do(ctx, "create_session", c.cfg.BaseURL+"/api/session", payload)
}

// QuerySession reads the current state of a session.
func (c *Client) QuerySession(ctx context.Context, requestID int64) SessionResult {
	payload := sessionPayload{Auth: c.signer.Sign()}
	return c.do(ctx, "query_session", c.sessionURL(requestID), payload)
}

// CancelSession asks the gateway to cancel a pending session.
func (c *Client) CancelSession(ctx context.Context, requestID int64) SessionResult {
	payload := sessionPayload{Auth: c.signer.Sign()}
	return c.do(ctx, "cancel_session", c.sessionURL(requestID)+"/cancel", payload)
}

func (c *Client) sessionURL(requestID int64) string {
	return c.cfg.BaseURL + "/api/session/" + strconv.FormatInt(requestID, 10)
}

func (c *Client) do(ctx context.Context, op, endpoint string, payload sessionPayload) (result SessionResult) {
	ctx, span := util.StartSpan(ctx, "GatewayClient."+op)
	defer span.End()

	start := time.Now()
	entry := auditEntry{Operation: op, Method: http.MethodPost, URL: endpoint, Request: payload}
	defer func() {
		entry.Duration = time.Since(start)
		util.RecordError(span, entry.Err)
		c.audit.Record(entry)
		util.GatewayRequestsTotal.WithLabelValues(op, result.Status).Inc()
		util.GatewayRequestLatency.WithLabelValues(op).Observe(entry.Duration.Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		entry.Err = fmt.Errorf("failed to encode request: %w", err)
		return c.connectionError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		entry.Err = fmt.Errorf("failed to build request: %w", err)
		return c.connectionError()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		entry.Err = err
		c.logger.Warn("Gateway request failed",
			zap.String("operation", op),
			zap.Error(err))
		return c.connectionError()
	}
	defer resp.Body.Close()

	entry.HTTPCode = resp.StatusCode
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		entry.Err = fmt.Errorf("failed to read response: %w", err)
		return c.connectionError()
	}
	entry.Response = raw

	var decoded sessionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Status == nil || decoded.Status.Status == "" {
		if err != nil {
			entry.Err = fmt.Errorf("failed to decode response: %w", err)
		}
		c.logger.Warn("Gateway response could not be parsed",
			zap.String("operation", op),
			zap.Int("http_code", resp.StatusCode))
		return c.parseError()
	}

	result = SessionResult{
		Status:  decoded.Status.Status,
		Reason:  string(decoded.Status.Reason),
		Message: decoded.Status.Message,
		Date:    decoded.Status.Date,
	}
	if result.OK() || op != "create_session" {
		result.RequestID = decoded.RequestID.int64()
		result.ProcessURL = decoded.ProcessURL
	}
	return result
}

func (c *Client) connectionError() SessionResult {
	return SessionResult{
		Status:  StatusError,
		Reason:  ReasonConnectionError,
		Message: "Unable to reach the payment gateway",
		Date:    c.now().Format(time.RFC3339),
	}
}

func (c *Client) parseError() SessionResult {
	return SessionResult{
		Status:  StatusError,
		Reason:  ReasonParseError,
		Message: "Failed to parse response",
		Date:    c.now().Format(time.RFC3339),
	}
}
