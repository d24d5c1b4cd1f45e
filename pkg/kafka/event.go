package kafka

import "time"

type EventType string

const (
	EventBorrowed EventType = "BORROWED"
	EventReturned EventType = "RETURNED"
)

type Simplex string

const (
	SimplexUp   Simplex = "UP"
	SimplexDown Simplex = "DOWN"
)

// EventLoan is published after a loan transition is committed.
type EventLoan struct {
	Timestamp time.Time `json:"timestamp"`
	UserName  string    `json:"username"`
	LoanUid   string    `json:"loanUid"`
	BookUid   string    `json:"bookUid"`
	EventType EventType `json:"eventType"`
	Simplex   Simplex   `json:"simplex"`
	Overdue   bool      `json:"overdue"`
}
