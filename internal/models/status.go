package models

type Status string

const (
	StatusSearching  Status = "searching"
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusEnRoute    Status = "en_route"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

var transitions = map[Status][]Status{
	StatusSearching:  {StatusAccepted, StatusRejected, StatusExpired, StatusCancelled},
	StatusPending:    {StatusAccepted, StatusRejected, StatusExpired, StatusCancelled},
	StatusAccepted:   {StatusEnRoute, StatusCancelled},
	StatusEnRoute:    {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusPending, StatusAccepted, StatusRejected, StatusEnRoute,
		StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// PastAccepted reports whether s is a live state a provider reaches only
// after accepting.
func (s Status) PastAccepted() bool {
	return s == StatusEnRoute || s == StatusArrived || s == StatusInProgress
}

// IsRouting reports whether the provider should be broadcasting its position.
func (s Status) IsRouting() bool { return s == StatusEnRoute }

// CanTransition reports whether the lifecycle graph has an edge from -> to.
// Staying in accepted is allowed (provider response enriches data only).
func CanTransition(from, to Status) bool {
	if from == StatusAccepted && to == StatusAccepted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the states reachable from s in one step.
func NextStatuses(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}
