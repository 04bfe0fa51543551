package mail

import (
	"context"
	"errors"
	"strings"
)

// Message is one plain-text email. From is filled by the [ConfigResolver]
// when empty.
type Message struct {
	To      string
	From    string
	Subject string
	Text    string
}

// Receipt identifies an accepted message at the delivery provider.
type Receipt struct {
	ID       string
	Provider string
}

// Sender delivers a message. Implementations must honor ctx cancellation.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// SenderConfig is the per-organization delivery setting resolved at send
// time.
type SenderConfig struct {
	From     string
	ReplyTo  string
	Disabled bool
}

// ConfigResolver supplies sender settings for a recipient. It replaces
// per-call lookups of organization mail settings.
type ConfigResolver interface {
	Resolve(ctx context.Context, to string) (SenderConfig, error)
}

// StaticResolver returns the same settings for every recipient.
type StaticResolver SenderConfig

func (s StaticResolver) Resolve(context.Context, string) (SenderConfig, error) {
	return SenderConfig(s), nil
}

// DomainResolver picks settings by the recipient's email domain and falls
// back to Default.
type DomainResolver struct {
	Default SenderConfig
	Domains map[string]SenderConfig
}

func (r DomainResolver) Resolve(_ context.Context, to string) (SenderConfig, error) {
	at := strings.LastIndexByte(to, '@')
	if at < 0 {
		return SenderConfig{}, ErrInvalidRecipient
	}
	if cfg, ok := r.Domains[strings.ToLower(to[at+1:])]; ok {
		return cfg, nil
	}
	return r.Default, nil
}

var (
	ErrInvalidRecipient = errors.New("mail: invalid recipient")
	ErrQueueFull        = errors.New("mail: queue full")
	ErrClosed           = errors.New("mail: dispatcher closed")
	ErrDisabled         = errors.New("mail: delivery disabled for recipient")
)
