// internal/provider/provider.go

// Package provider defines the outbound channel the engine dispatches
// through. Adapters classify their own failures as transient or permanent
// before they ever reach the dispatch worker.
package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
)

// Payload is the message to deliver. MediaURL/MediaType are optional.
type Payload struct {
	Body      string
	MediaURL  string
	MediaType string
}

// Provider sends one message and returns the provider-side message ID.
// Implementations must return appErrors.SendError values so the worker can
// distinguish retryable failures from dead addresses.
type Provider interface {
	Send(ctx context.Context, address string, p Payload) (string, error)
}

// MockProvider simulates a messaging session: a configurable percentage of
// sends fail transiently, and structurally invalid addresses fail permanently.
// Used by the seeder and for local runs without a real channel.
type MockProvider struct {
	FailPct int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockProvider(failPct int, seed int64) *MockProvider {
	return &MockProvider{FailPct: failPct, rng: rand.New(rand.NewSource(seed))}
}

func (m *MockProvider) Send(ctx context.Context, address string, p Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", appErrors.NewTransientSend("canceled", err)
	}
	if !validAddress(address) {
		return "", appErrors.NewPermanentSend("invalid_address", fmt.Errorf("address %q is not a phone number", address))
	}
	m.mu.Lock()
	n := m.rng.Intn(100)
	m.mu.Unlock()
	if n < m.FailPct {
		return "", appErrors.NewTransientSend("provider_unavailable", fmt.Errorf("mock channel refused the send"))
	}
	return uuid.New().String(), nil
}

func validAddress(address string) bool {
	trimmed := strings.TrimPrefix(address, "+")
	if len(trimmed) < 7 {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
