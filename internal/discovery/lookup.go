package discovery

import (
	"context"
	"errors"

	"spendguard/internal/models"
)

var (
	// ErrNetwork wraps transport and upstream failures of a directory call.
	ErrNetwork = errors.New("discovery: directory unreachable")
	// ErrNotConfigured means the directory or owner identity is not set up.
	ErrNotConfigured = errors.New("discovery: directory not configured")
)

// DirectoryLookup lists pending items addressed to an owner.
type DirectoryLookup interface {
	ListPendingPaymentRequests(ctx context.Context, ownerID string) ([]models.DiscoveredRequest, error)
	ListSubscriptionProposals(ctx context.Context, ownerID string) ([]models.DiscoveredRequest, error)
}
