package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medibridge/hms-backend/pkg/config"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
)

const maxErrorBodyBytes = 4096

// HTTPClient posts canonical envelope JSON to a ledger gateway.
type HTTPClient struct {
	submitURL string
	apiKey    string
	httpc     *http.Client
}

// NewHTTPClient builds a gateway client from the ledger configuration.
func NewHTTPClient(cfg config.LedgerConfig) (*HTTPClient, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("ledger gateway url is required")
	}
	base, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ledger gateway url: %w", err)
	}

	path := "/v1/messages"
	if cfg.TopicID != "" {
		path = fmt.Sprintf("/v1/topics/%s/messages", url.PathEscape(cfg.TopicID))
	}
	submit, err := base.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("building submit url: %w", err)
	}

	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPClient{
		submitURL: submit.String(),
		apiKey:    cfg.APIKey,
		httpc:     &http.Client{Timeout: timeout},
	}, nil
}

// Submit posts the message and decodes the receipt. Network errors, 429 and
// 5xx responses classify as transient; remaining 4xx as permanent.
func (c *HTTPClient) Submit(ctx context.Context, message []byte) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(message))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "building ledger request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "ledger gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var receipt Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "decoding ledger receipt")
		}
		if receipt.TransactionRef == "" {
			return nil, apperrors.New(apperrors.CodeDependency, "ledger receipt missing transaction reference")
		}
		return &receipt, nil
	}

	body := readErrorBody(resp.Body)
	msg := fmt.Sprintf("ledger gateway returned %d: %s", resp.StatusCode, body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.CodeDependency, msg)
	}
	return nil, apperrors.New(apperrors.CodeLedgerPermanent, msg)
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return "<unreadable body>"
	}
	return strings.TrimSpace(string(raw))
}
