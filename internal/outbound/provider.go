package outbound

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a send is attempted without provider
// credentials. Configuration problems abort before any send; they never
// degrade to a partial send.
var ErrNotConfigured = errors.New("outbound: provider not configured")

// Provider is the messaging provider send API. Implementations must honor
// the context deadline; the ledger never leaves a row pending on a hang.
type Provider interface {
	// Send delivers text to destination, returning the provider-assigned
	// message id.
	Send(ctx context.Context, destination, text string) (string, error)
	// Name identifies the provider in ledger rows.
	Name() string
}

// ProviderError describes a failed provider send. Retryable distinguishes
// transient failures (network, rate limit, 5xx) from permanent ones; retry
// itself is the caller's concern, never the ledger's.
type ProviderError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider: %s: %s: %v", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
