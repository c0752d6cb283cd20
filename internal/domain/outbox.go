package domain

import "time"

// OutgoingMessage is a row of the outbox. The flusher publishes it and
// deletes it after the bus confirms delivery.
type OutgoingMessage struct {
	ID              int64     `json:"id" db:"id"`
	MessageType     string    `json:"message_type" db:"message_type"`
	Subject         string    `json:"subject" db:"subject"`
	MessageID       string    `json:"message_id" db:"message_id"`
	CreditorID      *int64    `json:"creditor_id" db:"creditor_id"`
	DebtorID        *int64    `json:"debtor_id" db:"debtor_id"`
	CoordinatorID   *int64    `json:"coordinator_id" db:"coordinator_id"`
	CoordinatorType *string   `json:"coordinator_type" db:"coordinator_type"`
	Mandatory       bool      `json:"mandatory" db:"mandatory"`
	Body            []byte    `json:"body" db:"body"`
	InsertedAt      time.Time `json:"inserted_at" db:"inserted_at"`
}
