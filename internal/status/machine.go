package status

import "strings"

// Shipment lifecycle statuses as reported by the backend. The client
// never infers transitions; it only classifies what the backend sends.
const (
	Pending       = "pending"
	Confirmed     = "confirmed"
	PickupReached = "pickup_reached"
	InTransit     = "in_transit"
	Delivered     = "delivered"
	Completed     = "completed" // backend alias of delivered
	Cancelled     = "cancelled"
)

var stepIndex = map[string]int{
	Pending:       0,
	Confirmed:     1,
	PickupReached: 2,
	InTransit:     3,
	Delivered:     4,
	Completed:     4,
}

// Steps is the number of steps on the progress track.
const Steps = 5

// Normalize lower-cases and trims a backend status string.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsTerminal reports whether the shipment can no longer change status.
func IsTerminal(s string) bool {
	switch Normalize(s) {
	case Delivered, Completed, Cancelled:
		return true
	}
	return false
}

// StepIndex maps a status to its position on the progress track.
// Cancelled and unknown statuses are off the track and return -1.
func StepIndex(s string) int {
	if idx, ok := stepIndex[Normalize(s)]; ok {
		return idx
	}
	return -1
}
