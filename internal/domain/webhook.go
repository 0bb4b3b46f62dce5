package domain

import "time"

// Webhook represents a party's subscription to an exchange event.
// One subscription exists per (party, event) pair.
type Webhook struct {
	WebhookID string
	Party     string
	Event     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}
