package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spendguard/internal/models"
)

const (
	paymentRequestsPath       = "/owners/%s/payment-requests"
	subscriptionProposalsPath = "/owners/%s/subscription-proposals"
	defaultUserAgent          = "spendguard/1.0"
	maxResponseBytes          = 1 << 20
)

// HTTPOptions parameterise the directory client.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPDirectory reads pending items from a JSON directory API.
type HTTPDirectory struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPDirectory constructs a directory client. An empty base URL yields a client whose
// calls fail with ErrNotConfigured.
func NewHTTPDirectory(opts HTTPOptions, logger zerolog.Logger) *HTTPDirectory {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		opts:    opts,
		logger:  logger.With().Str("component", "directory_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
	}
}

func (d *HTTPDirectory) ListPendingPaymentRequests(ctx context.Context, ownerID string) ([]models.DiscoveredRequest, error) {
	return d.list(ctx, paymentRequestsPath, ownerID, models.RequestTypePayment)
}

func (d *HTTPDirectory) ListSubscriptionProposals(ctx context.Context, ownerID string) ([]models.DiscoveredRequest, error) {
	return d.list(ctx, subscriptionProposalsPath, ownerID, models.RequestTypeSubscription)
}

func (d *HTTPDirectory) list(ctx context.Context, pathFmt, ownerID string, kind models.RequestType) ([]models.DiscoveredRequest, error) {
	if d.baseURL == "" || ownerID == "" {
		return nil, ErrNotConfigured
	}

	endpoint := d.baseURL + fmt.Sprintf(pathFmt, url.PathEscape(ownerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if len(payload) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", ErrNetwork, maxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var body listResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}

	out := make([]models.DiscoveredRequest, 0, len(body.Items))
	for _, it := range body.Items {
		out = append(out, models.DiscoveredRequest{
			RequestID:   it.ID,
			Type:        kind,
			FromPeer:    it.From,
			AmountSats:  it.AmountSats,
			Description: it.Description,
			CreatedAt:   time.Unix(it.CreatedAt, 0).UTC(),
		})
	}
	d.logger.Debug().Str("type", string(kind)).Int("items", len(out)).Msg("directory listed")
	return out, nil
}

type listResponse struct {
	Items []listItem `json:"items"`
}

type listItem struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	AmountSats  int64  `json:"amount_sats"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: directory api error (%d): %s", ErrNetwork, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: directory api error (%d): %s", ErrNetwork, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: directory api error (%d): %s", ErrNetwork, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: directory api error (%d)", ErrNetwork, status)
}

var _ DirectoryLookup = (*HTTPDirectory)(nil)
