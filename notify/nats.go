package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// NATS PUBLISHER
// =============================================================================

const DefaultSubjectPrefix = "accounting.wallet"

// Publisher is the part of *nats.Conn the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every event on "<prefix>.<owner kind>.<owner id>"
// using the binary codec.
type NATSPublisher struct {
	pub    Publisher
	prefix string
}

func NewNATSPublisher(pub Publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{pub: pub, prefix: prefix}
}

var _ accounting.Emitter = (*NATSPublisher)(nil)

func (p *NATSPublisher) Emit(ctx context.Context, event accounting.WalletUpdated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := p.Subject(event.Owner)
	if err := p.pub.Publish(subject, Encode(event)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject returns the subject events for owner are published on.
func (p *NATSPublisher) Subject(owner accounting.Owner) string {
	return p.prefix + "." + subjectToken(string(owner.Kind)) + "." + subjectToken(owner.ID)
}

// subjectToken replaces the characters NATS treats as separators or
// wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}
