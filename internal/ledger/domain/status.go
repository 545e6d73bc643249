package domain

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusCreated:        {StatusProcessing, StatusRequiresAction, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusProcessing:     {StatusRequiresAction, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusRequiresAction: {StatusProcessing, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded:      {StatusRefunded},
}

// CanTransition reports whether from may move to to. Statuses only move
// forward; succeeded may still become refunded.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no gateway signal can move the status further.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCanceled, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusProcessing, StatusRequiresAction, StatusSucceeded,
		StatusFailed, StatusCanceled, StatusRefunded:
		return true
	default:
		return false
	}
}

// PendingStatuses are the statuses a transaction may sit in before the gateway
// reports a final outcome.
func PendingStatuses() []TransactionStatus {
	return []TransactionStatus{StatusCreated, StatusProcessing, StatusRequiresAction}
}
