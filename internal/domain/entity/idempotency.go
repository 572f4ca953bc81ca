package entity

import "time"

// IdempotencyEntry remembers the outcome of an operation under its key
type IdempotencyEntry struct {
	QuoteID   string    `json:"quote_id"`
	Key       string    `json:"key"`
	Result    []byte    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}
