// Package identity checks that the sender behind a transfer holds a verified
// identity. Biometric matching happens upstream; this side only consumes the
// verdict.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Verifier confirma a identidade de um titular de conta
type Verifier interface {
	// Verify returns nil for a verified account and a domain.ErrValidation
	// wrapped error otherwise.
	Verify(ctx context.Context, accountID string) error
}

// StaticVerifier accepts every account except the ones it was told to deny.
type StaticVerifier struct {
	mu     sync.RWMutex
	denied map[string]struct{}
}

func NewStaticVerifier(denied ...string) *StaticVerifier {
	v := &StaticVerifier{denied: make(map[string]struct{}, len(denied))}
	for _, id := range denied {
		v.denied[id] = struct{}{}
	}
	return v
}

// Deny marks an account as unverified.
func (v *StaticVerifier) Deny(accountID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.denied[accountID] = struct{}{}
}

func (v *StaticVerifier) Verify(_ context.Context, accountID string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.denied[accountID]; ok {
		return fmt.Errorf("%w: identity of %s is not verified", domain.ErrValidation, accountID)
	}
	return nil
}

type verificationResponse struct {
	AccountID string `json:"account_id"`
	Verified  bool   `json:"verified"`
}

// HTTPVerifier asks the identity service whether an account is verified.
type HTTPVerifier struct {
	client *resty.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(1),
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, accountID string) error {
	var out verificationResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetPathParam("id", accountID).
		SetResult(&out).
		Get("/api/identities/{id}/verification")
	if err != nil {
		return fmt.Errorf("%w: identity service: %v", domain.ErrStoreUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: unknown identity %s", domain.ErrValidation, accountID)
	case resp.IsError():
		return fmt.Errorf("%w: identity service answered %d", domain.ErrStoreUnavailable, resp.StatusCode())
	case !out.Verified:
		return fmt.Errorf("%w: identity of %s is not verified", domain.ErrValidation, accountID)
	}
	return nil
}
