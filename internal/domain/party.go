package domain

import "time"

// Party is a registered ledger party that may own orders and balances.
type Party struct {
	PartyID   string
	CreatedAt time.Time
}
