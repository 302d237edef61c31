package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Subscription is a streaming interest in one symbol. It is owned by the
// streaming client; other components refer to symbols only.
type Subscription struct {
	ID        string
	Symbol    string
	Kinds     []MessageType
	CreatedAt time.Time
	Active    bool
}

// NewSubscription validates the request and assigns a fresh id.
func NewSubscription(symbol string, kinds []MessageType, now time.Time) (Subscription, error) {
	if symbol == "" {
		return Subscription{}, errors.New("symbol cannot be empty")
	}
	if len(kinds) == 0 {
		return Subscription{}, errors.New("at least one message kind must be specified")
	}
	return Subscription{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kinds:     append([]MessageType(nil), kinds...),
		CreatedAt: now,
		Active:    true,
	}, nil
}

// Includes reports whether the subscription requested the given kind.
func (s Subscription) Includes(kind MessageType) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
