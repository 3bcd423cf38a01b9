package models

// orderTransitions lists the statuses an order may move to from each
// non-terminal status. Terminal statuses have no entry.
var orderTransitions = map[string][]string{
	OrderStatusPending:       {OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusProcessing:    {OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusPaymentFailed: {OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled},
}

func CanTransition(from, to string) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
