// Package events publishes auth lifecycle events to the configured sinks.
// Publishing is best effort: callers log failures and carry on.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	UserRegistered Type = "user_registered"
	UserSignedIn   Type = "user_signed_in"
	TokenRefreshed Type = "token_refreshed"
	UserLoggedOut  Type = "user_logged_out"
)

type Event struct {
	Type   Type      `json:"type"`
	UserID uint      `json:"user_id"`
	Email  string    `json:"email,omitempty"`
	At     time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout hands each event to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
