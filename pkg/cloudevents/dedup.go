package cloudevents

import "time"

// dedupStore is the seen-before check the publisher and consumer need
// against the coordination store's TTL set, narrowed to what they call
// so either side can be exercised against a fake in tests.
// *coordination.Coordinator satisfies this directly.
type dedupStore interface {
	WasProcessed(eventID string, now time.Time) bool
	MarkProcessed(eventID string, ttl time.Duration, now time.Time) error
}
