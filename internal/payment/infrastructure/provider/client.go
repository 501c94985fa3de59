package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dmehra2102/payment-reconciliation/internal/payment/domain"
)

const maxBody = 1 << 20

// Client calls the provider's transaction verification endpoint.
type Client struct {
	log     *slog.Logger
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(log *slog.Logger, baseURL, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    httpClient,
	}
}

func (c *Client) Verify(ctx context.Context, reference string) (domain.NormalizedVerification, error) {
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.NormalizedVerification{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NormalizedVerification{}, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.NormalizedVerification{}, classify(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return Normalize(body)
	case resp.StatusCode == http.StatusNotFound:
		return domain.NormalizedVerification{}, fmt.Errorf("%w: unknown reference %s", domain.ErrValidation, reference)
	case resp.StatusCode == http.StatusBadRequest:
		return domain.NormalizedVerification{}, fmt.Errorf("%w: provider rejected reference %s: %s", domain.ErrValidation, reference, snippet(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NormalizedVerification{}, &domain.ProviderError{
			StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(snippet(body)),
		}
	default:
		c.log.Error("provider refused verification", "status", resp.StatusCode, "reference", reference)
		return domain.NormalizedVerification{}, &domain.ProviderError{
			StatusCode: resp.StatusCode, Err: errors.New(snippet(body)),
		}
	}
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &domain.ProviderError{Timeout: true, Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.ProviderError{Retryable: true, Err: err}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
