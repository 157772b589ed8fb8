// Package notify delivers email and SMS notifications behind one Sender interface.
package notify

import (
	"context"
	"errors"
	"fmt"

	bckoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

var (
	// ErrInvalidRecipient marks a missing or malformed address. It is never retried.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrRejected marks a request the provider refused for reasons a retry cannot fix.
	ErrRejected = errors.New("rejected by provider")
	// ErrNoProvider is returned when a channel has no sender configured.
	ErrNoProvider = errors.New("no provider configured")
)

type Message struct {
	Channel string
	To      string
	Subject string
	Body    string
}

type Receipt struct {
	ProviderMessageID string
}

// Sender delivers a single message on one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrRejected) || errors.Is(err, ErrNoProvider) {
		return true
	}
	var perm *bckoff.PermanentError
	return errors.As(err, &perm)
}

// Router picks a Sender by message channel.
type Router map[string]Sender

func (r Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	s, ok := r[msg.Channel]
	if !ok || s == nil {
		return Receipt{}, fmt.Errorf("channel %q: %w", msg.Channel, ErrNoProvider)
	}
	return s.Send(ctx, msg)
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ValidateRecipient(msg.Channel, msg.To); err != nil {
		return Receipt{}, err
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	id := "log-" + uuid.NewString()
	log.Info("notification not delivered; log sender",
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)),
		zap.String("provider_message_id", id))
	return Receipt{ProviderMessageID: id}, nil
}
