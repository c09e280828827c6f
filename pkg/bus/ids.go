package bus

import "github.com/google/uuid"

// newSubscriptionID generates the opaque ID returned by Subscribe* and
// accepted by Unsubscribe.
func newSubscriptionID() string {
	return uuid.NewString()
}
