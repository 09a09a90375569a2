package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spendguard/internal/models"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestHTTPDirectoryNotConfigured(t *testing.T) {
	d := NewHTTPDirectory(HTTPOptions{}, noopLogger())
	if _, err := d.ListPendingPaymentRequests(context.Background(), "owner"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置 base_url 时应返回 ErrNotConfigured, 实际 %v", err)
	}

	d = NewHTTPDirectory(HTTPOptions{BaseURL: "http://localhost"}, noopLogger())
	if _, err := d.ListSubscriptionProposals(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("缺少 owner 时应返回 ErrNotConfigured, 实际 %v", err)
	}
}

func TestHTTPDirectoryHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream down"})
	}))
	defer srv.Close()

	d := NewHTTPDirectory(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := d.ListPendingPaymentRequests(context.Background(), "owner")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("HTTP 502 应返回 ErrNetwork, 实际 %v", err)
	}
}

func TestHTTPDirectorySuccess(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "req-1", "from": "peer-a", "amount_sats": 2100, "description": "coffee", "created_at": 1767225600},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDirectory(HTTPOptions{BaseURL: srv.URL + "/", Timeout: time.Second, UserAgent: "test"}, noopLogger())
	items, err := d.ListSubscriptionProposals(context.Background(), "owner key")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if gotPath != "/owners/owner key/subscription-proposals" {
		t.Fatalf("请求路径不正确: %s", gotPath)
	}
	if gotUA != "test" {
		t.Fatalf("User-Agent 不正确: %s", gotUA)
	}
	if len(items) != 1 {
		t.Fatalf("期望 1 条, 实际 %d", len(items))
	}
	it := items[0]
	if it.RequestID != "req-1" || it.FromPeer != "peer-a" || it.AmountSats != 2100 || it.Type != models.RequestTypeSubscription {
		t.Fatalf("字段解析不正确: %+v", it)
	}
	if !it.CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at 解析不正确: %s", it.CreatedAt)
	}
}

func TestHTTPDirectoryBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	d := NewHTTPDirectory(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := d.ListPendingPaymentRequests(context.Background(), "owner"); !errors.Is(err, ErrNetwork) {
		t.Fatalf("非法 JSON 应返回 ErrNetwork, 实际 %v", err)
	}
}

func TestHTTPDirectoryOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[],"pad":"` + strings.Repeat("x", maxResponseBytes) + `"}`))
	}))
	defer srv.Close()

	d := NewHTTPDirectory(HTTPOptions{BaseURL: srv.URL, Timeout: 5 * time.Second}, noopLogger())
	_, err := d.ListPendingPaymentRequests(context.Background(), "owner")
	if !errors.Is(err, ErrNetwork) || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("超大响应应被拒绝, 实际 %v", err)
	}
}
