package order

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCommitted Status = "committed"
	StatusCancelled Status = "cancelled"
	StatusCollected Status = "collected"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusCommitted, StatusCancelled},
	StatusCommitted: {StatusCollected, StatusCancelled},
	StatusCollected: {StatusCompleted},
	StatusCancelled: {StatusRefunded},
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCommitted, StatusCancelled,
		StatusCollected, StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible. A cancelled
// order is terminal only when nothing was paid, which callers check with
// Order.WasPaid.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Open reports whether the order still holds its books.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCommitted, StatusCollected:
		return true
	}
	return false
}
