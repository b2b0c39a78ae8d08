package subscription

// Status is the custom type to define the billing state of a subscription
type Status string

// Defining the Statuses a Subscription can be in. Every customer starts as FREE tier with StatusActive
const (
	StatusActive   Status = "ACTIVE"
	StatusTrialing Status = "TRIALING"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

// Valid transitions of Status:
// Active (FREE) -> Trialing/Active/PastDue (checkout)
// Trialing -> Active/PastDue/Canceled
// Active -> PastDue/Canceled
// PastDue -> Active/Trialing/Canceled
// Canceled is terminal for the bound external subscription. A new checkout rebinds the record instead,
// see Subscription.Rebind
var transitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusActive:   true,
		StatusTrialing: true,
		StatusPastDue:  true,
		StatusCanceled: true,
	},
	StatusTrialing: {
		StatusTrialing: true,
		StatusActive:   true,
		StatusPastDue:  true,
		StatusCanceled: true,
	},
	StatusPastDue: {
		StatusPastDue:  true,
		StatusActive:   true,
		StatusTrialing: true,
		StatusCanceled: true,
	},
	StatusCanceled: {
		StatusCanceled: true,
	},
}

// Entitled reports whether the Status grants the subscribed Tier. PastDue and Canceled degrade to FREE
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// CanTransition reports whether moving from s to next is allowed
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}
