// Package transport delivers rendered notifications.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
)

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// HTTP posts messages to a mail API. The dedupe key is sent as the
// Idempotency-Key header so a redelivered event is not mailed twice by
// providers that honour it.
type HTTP struct {
	url   string
	token string
	from  string
	http  *http.Client
}

func NewHTTP(url, token, from string, httpClient *http.Client) *HTTP {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTP{url: url, token: token, from: from, http: httpClient}
}

func (t *HTTP) Send(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(mailRequest{From: t.from, To: msg.To, Subject: msg.Subject, Text: msg.Body})
	if err != nil {
		return &domain.TransportError{Kind: domain.KindConfig, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return &domain.TransportError{Kind: domain.KindConfig, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.DedupeKey)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &domain.TransportError{Kind: kindFor(resp.StatusCode), Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))}
}

func kindFor(status int) domain.ErrorKind {
	switch status {
	case http.StatusGone:
		return domain.KindBounce
	case http.StatusUnavailableForLegalReasons:
		return domain.KindComplaint
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.KindAuth
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return domain.KindConfig
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return domain.KindTimeout
	default:
		return domain.KindNetwork
	}
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &domain.TransportError{Kind: domain.KindTimeout, Err: err}
	}
	return &domain.TransportError{Kind: domain.KindNetwork, Err: err}
}
