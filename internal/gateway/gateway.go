// Package gateway sends one message to one address through a provider.
package gateway

import (
	"context"
	"fmt"
	"sync"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// Status classifies a send attempt.
type Status int

const (
	StatusSent Status = iota
	// StatusTransient may succeed if retried later.
	StatusTransient
	// StatusPermanent will never succeed for this address.
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Message is a fully rendered message for one recipient.
type Message struct {
	To             string
	Kind           model.MessageKind
	Payload        model.Payload
	IdempotencyKey string
	// Paced is set when the caller already took a slot from the gateway's Throttler.
	Paced          bool
}

// Outcome is the gateway's verdict. Unavailable is only meaningful for
// transient outcomes and marks a channel-wide failure rather than one
// specific to the recipient. Throttled means the message never left this
// process because the local rate limit had no slot for it.
type Outcome struct {
	Status            Status
	ProviderMessageID string
	Reason            string
	Unavailable       bool
	Throttled         bool
}

func Sent(id string) Outcome { return Outcome{Status: StatusSent, ProviderMessageID: id} }

func Transient(reason string) Outcome { return Outcome{Status: StatusTransient, Reason: reason} }

func Unavailable(reason string) Outcome {
	return Outcome{Status: StatusTransient, Reason: reason, Unavailable: true}
}

func Throttled(reason string) Outcome {
	return Outcome{Status: StatusTransient, Reason: reason, Throttled: true}
}

func Permanent(reason string) Outcome { return Outcome{Status: StatusPermanent, Reason: reason} }

// Gateway delivers a message. Implementations report delivery problems in
// the Outcome and must be safe for concurrent use.
type Gateway interface {
	Send(ctx context.Context, msg Message) Outcome
}

// Throttler is implemented by gateways that rate limit locally. Wait blocks
// until one send may proceed; callers then send with Message.Paced set.
type Throttler interface {
	Wait(ctx context.Context) error
}

// Registry selects a gateway by the campaign's provider field.
type Registry struct {
	mu              sync.RWMutex
	gateways        map[string]Gateway
	defaultProvider string
}

func NewRegistry(defaultProvider string) *Registry {
	return &Registry{gateways: make(map[string]Gateway), defaultProvider: defaultProvider}
}

func (r *Registry) Register(provider string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[provider] = g
}

// DefaultProvider is used when a campaign does not name one.
func (r *Registry) DefaultProvider() string { return r.defaultProvider }

// Has reports whether provider is registered.
func (r *Registry) Has(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

func (r *Registry) Get(provider string) (Gateway, error) {
	if provider == "" {
		provider = r.defaultProvider
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrUnknownProvider, provider)
	}
	return g, nil
}
