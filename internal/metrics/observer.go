package metrics

import "time"

// DeliveryObserver receives delivery pipeline events.
type DeliveryObserver interface {
	RecordDelivery(system, outcome string, duration time.Duration)
	RecordRetryScheduled(system string)
	RecordDeadLetter(system, reason string)
	SetRetryQueueDepth(depth int64)
}

// FeedObserver tracks dashboard feed subscribers.
type FeedObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
}
