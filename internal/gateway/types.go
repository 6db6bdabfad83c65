package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"

	"checkout-service/internal/signer"

	"github.com/shopspring/decimal"
)

// Gateway session statuses and normalized failure reasons.
const (
	StatusOK     = "OK"
	StatusFailed = "FAILED"
	StatusError  = "ERROR"

	ReasonConnectionError = "CONNECTION_ERROR"
	ReasonParseError      = "PARSE_ERROR"
)

// SessionRequest describes a payment session to create.
type SessionRequest struct {
	Reference   string
	Description string
	Currency    string
	Total       decimal.Decimal
	Items       []Item
	Buyer       Buyer
	IPAddress   string
	UserAgent   string
}

// Item is one payment line sent to the gateway.
type Item struct {
	SKU      string
	Name     string
	Category string
	Qty      int
	Price    decimal.Decimal
	Tax      decimal.Decimal
}

// Buyer identifies the paying customer.
type Buyer struct {
	Name         string `json:"name"`
	Surname      string `json:"surname"`
	Email        string `json:"email"`
	Mobile       string `json:"mobile"`
	Document     string `json:"document"`
	DocumentType string `json:"documentType"`
}

// SessionResult is the uniform outcome of every gateway call. Transport and
// decoding failures surface as Status ERROR with a Reason, never as Go errors.
type SessionResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Date       string `json:"date,omitempty"`
	RequestID  int64  `json:"requestId,omitempty"`
	ProcessURL string `json:"processUrl,omitempty"`
}

// OK reports whether the gateway accepted the call.
func (r SessionResult) OK() bool {
	return r.Status == StatusOK
}

// Unreachable reports whether the call failed before the gateway gave an answer.
func (r SessionResult) Unreachable() bool {
	return r.Status == StatusError
}

type sessionPayload struct {
	Auth       signer.Auth     `json:"auth"`
	Locale     string          `json:"locale,omitempty"`
	Payment    *paymentPayload `json:"payment,omitempty"`
	Buyer      *Buyer          `json:"buyer,omitempty"`
	Expiration string          `json:"expiration,omitempty"`
	ReturnURL  string          `json:"returnUrl,omitempty"`
	CancelURL  string          `json:"cancelUrl,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
}

type paymentPayload struct {
	Reference   string        `json:"reference"`
	Description string        `json:"description"`
	Amount      amountPayload `json:"amount"`
	Items       []itemPayload `json:"items"`
}

type amountPayload struct {
	Currency string      `json:"currency"`
	Total    json.Number `json:"total"`
}

type itemPayload struct {
	SKU      string      `json:"sku"`
	Name     string      `json:"name"`
	Category string      `json:"category"`
	Qty      int         `json:"qty"`
	Price    json.Number `json:"price"`
	Tax      json.Number `json:"tax"`
}

type statusPayload struct {
	Status  string     `json:"status"`
	Reason  flexString `json:"reason"`
	Message string     `json:"message"`
	Date    string     `json:"date"`
}

type sessionResponse struct {
	Status     *statusPayload `json:"status"`
	RequestID  flexString     `json:"requestId"`
	ProcessURL string         `json:"processUrl"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) int64() int64 {
	n, _ := strconv.ParseInt(string(f), 10, 64)
	return n
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// StatusLabel returns a human-readable label for a payment status.
func StatusLabel(status string) string {
	switch status {
	case "APPROVED":
		return "Approved"
	case "PENDING":
		return "Pending"
	case "REJECTED":
		return "Rejected"
	case StatusOK:
		return "Session Created"
	case StatusFailed:
		return "Failed"
	case "CANCELLED":
		return "Cancelled"
	}
	return status
}
