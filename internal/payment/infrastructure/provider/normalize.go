package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	orderdomain "github.com/dmehra2102/payment-reconciliation/internal/order/domain"
	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
)

type envelope struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type payload struct {
	Status          json.RawMessage `json:"status"`
	GatewayResponse string          `json:"gateway_response"`
	Reference       string          `json:"reference"`
	Amount          json.RawMessage `json:"amount"`
	AmountMajor     json.RawMessage `json:"amount_major"`
	Currency        string          `json:"currency"`
	PaidAt          string          `json:"paid_at"`
}

// Normalize turns any of the provider's verification shapes into a
// NormalizedVerification with minor-unit amounts:
//
//	{"status":true,"data":{"status":"success","amount":500000,"currency":"NGN","reference":"..."}}
//	{"status":"success","amount":"5000.00","currency":"NGN"}
//	{"data":{"gateway_response":"Successful","amount_major":5000,"currency":"NGN"}}
//
// A JSON number in "amount" is minor units; a string "amount" or any
// "amount_major" is major units.
func Normalize(raw []byte) (domain.NormalizedVerification, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.NormalizedVerification{}, fmt.Errorf("%w: provider body is not json: %v", domain.ErrValidation, err)
	}

	var p payload
	if isObject(env.Data) {
		if ok, isBool := boolValue(env.Status); isBool && !ok {
			return domain.NormalizedVerification{}, fmt.Errorf("%w: provider rejected request: %s", domain.ErrValidation, env.Message)
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return domain.NormalizedVerification{}, fmt.Errorf("%w: provider data: %v", domain.ErrValidation, err)
		}
	} else {
		if ok, isBool := boolValue(env.Status); isBool && !ok {
			return domain.NormalizedVerification{}, fmt.Errorf("%w: provider rejected request: %s", domain.ErrValidation, env.Message)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return domain.NormalizedVerification{}, fmt.Errorf("%w: provider body: %v", domain.ErrValidation, err)
		}
	}

	v := domain.NormalizedVerification{
		Reference: strings.TrimSpace(p.Reference),
		Status:    mapStatus(stringValue(p.Status), p.GatewayResponse),
		Currency:  strings.ToUpper(strings.TrimSpace(p.Currency)),
		Raw:       raw,
	}
	if p.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, p.PaidAt); err == nil {
			v.PaidAt = &t
		}
	}

	amount, err := amountMinor(p, v.Currency)
	if err != nil {
		return domain.NormalizedVerification{}, err
	}
	v.AmountMinor = amount
	return v, nil
}

func mapStatus(status, gateway string) domain.VerificationStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "successful", "paid", "completed":
		return domain.VerificationSuccess
	case "failed", "failure", "declined", "reversed":
		return domain.VerificationFailed
	case "abandoned", "cancelled":
		return domain.VerificationAbandoned
	case "pending", "ongoing", "processing", "queued":
		return domain.VerificationPending
	}
	switch strings.ToLower(strings.TrimSpace(gateway)) {
	case "successful", "approved", "approved by financial institution":
		return domain.VerificationSuccess
	case "declined", "failed", "insufficient funds":
		return domain.VerificationFailed
	case "":
		return domain.VerificationPending
	}
	return domain.VerificationFailed
}

func amountMinor(p payload, currency string) (int64, error) {
	if len(p.AmountMajor) > 0 && string(p.AmountMajor) != "null" {
		return majorToMinor(p.AmountMajor, currency)
	}
	if len(p.Amount) == 0 || string(p.Amount) == "null" {
		return 0, nil
	}
	if p.Amount[0] == '"' {
		return majorToMinor(p.Amount, currency)
	}
	n, err := strconv.ParseInt(string(p.Amount), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: minor amount %s is not an integer", domain.ErrValidation, string(p.Amount))
	}
	return n, nil
}

func majorToMinor(raw json.RawMessage, currency string) (int64, error) {
	s := strings.Trim(string(raw), `"`)
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %s: %v", domain.ErrValidation, string(raw), err)
	}
	minor, err := orderdomain.MajorToMinor(d, currency)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return minor, nil
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{'
}

func boolValue(raw json.RawMessage) (value, isBool bool) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
