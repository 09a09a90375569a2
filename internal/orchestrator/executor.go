package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of an executor response is read.
const maxResponseBytes = 1 << 20

// ErrExecution marks a definitive payment failure: the executor knows no funds moved.
var ErrExecution = errors.New("orchestrator: payment execution failed")

// ExecutionError carries the executor's failure message.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string { return "payment execution failed: " + e.Message }

// Is lets errors.Is(err, ErrExecution) match.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// ExecutionResult identifies a completed payment.
type ExecutionResult struct {
	ExecutionID string
	Timestamp   time.Time
}

// PaymentExecutor sends the actual payment.
type PaymentExecutor interface {
	Execute(ctx context.Context, peerID, methodID string, amountSats uint64) (ExecutionResult, error)
}

// HTTPExecutorOptions parameterise the executor client.
type HTTPExecutorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPExecutor asks a wallet daemon to pay over a small JSON API.
type HTTPExecutor struct {
	opts    HTTPExecutorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPExecutor constructs an executor client.
func NewHTTPExecutor(opts HTTPExecutorOptions, logger zerolog.Logger) *HTTPExecutor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		opts:    opts,
		logger:  logger.With().Str("component", "payment_executor").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, peerID, methodID string, amountSats uint64) (ExecutionResult, error) {
	if e.baseURL == "" {
		return ExecutionResult{}, &ExecutionError{Message: "executor base_url not configured"}
	}

	body, err := json.Marshal(payRequest{PeerID: peerID, MethodID: methodID, AmountSats: amountSats})
	if err != nil {
		return ExecutionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spendguard/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("send payment request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("read payment response: %w", err)
	}
	if len(payload) > maxResponseBytes {
		return ExecutionResult{}, fmt.Errorf("payment response exceeds %d bytes", maxResponseBytes)
	}

	// 4xx means the daemon refused before sending anything.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return ExecutionResult{}, &ExecutionError{Message: errorMessage(resp.StatusCode, payload)}
	}
	if resp.StatusCode != http.StatusOK {
		return ExecutionResult{}, fmt.Errorf("executor api error: %s", errorMessage(resp.StatusCode, payload))
	}

	var out payResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return ExecutionResult{}, fmt.Errorf("decode payment response: %w", err)
	}
	if out.ExecutionID == "" {
		return ExecutionResult{}, errors.New("executor returned empty execution id")
	}
	ts := time.Now().UTC()
	if out.Timestamp > 0 {
		ts = time.Unix(out.Timestamp, 0).UTC()
	}
	e.logger.Debug().Str("peer_id", peerID).Str("execution_id", out.ExecutionID).Msg("payment executed")
	return ExecutionResult{ExecutionID: out.ExecutionID, Timestamp: ts}, nil
}

type payRequest struct {
	PeerID     string `json:"peer_id"`
	MethodID   string `json:"method_id"`
	AmountSats uint64 `json:"amount_sats"`
}

type payResponse struct {
	ExecutionID string `json:"execution_id"`
	Timestamp   int64  `json:"timestamp"`
}

func errorMessage(status int, payload []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Sprintf("(%d) %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("(%d) %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Sprintf("(%d) %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Sprintf("(%d)", status)
}

// SimulatedExecutor pretends to pay. It records calls and can be told to fail.
type SimulatedExecutor struct {
	mu    sync.Mutex
	Fail  error
	Delay time.Duration
	calls []SimulatedCall
}

// SimulatedCall is one recorded Execute invocation.
type SimulatedCall struct {
	PeerID     string
	MethodID   string
	AmountSats uint64
}

func (s *SimulatedExecutor) Execute(ctx context.Context, peerID, methodID string, amountSats uint64) (ExecutionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SimulatedCall{PeerID: peerID, MethodID: methodID, AmountSats: amountSats})
	fail, delay := s.Fail, s.Delay
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if fail != nil {
		return ExecutionResult{}, fail
	}
	return ExecutionResult{ExecutionID: "sim-" + uuid.NewString(), Timestamp: time.Now().UTC()}, nil
}

// Calls returns the recorded invocations.
func (s *SimulatedExecutor) Calls() []SimulatedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimulatedCall(nil), s.calls...)
}

var (
	_ PaymentExecutor = (*HTTPExecutor)(nil)
	_ PaymentExecutor = (*SimulatedExecutor)(nil)
)
