package appservice

import (
	lane "github.com/oleiade/lane/v2"
)

// serviceQueue buffers routed payloads for one application service until the
// service's worker drains them into a transaction. Payloads of each kind keep
// their submission order. The queues are unbounded, so producers never block.
type serviceQueue struct {
	events    *lane.Queue[ClientEvent]
	ephemeral *lane.Queue[EphemeralEvent]
	toDevice  *lane.Queue[ToDeviceEvent]

	// wake carries at most one pending signal. Producers post to it after
	// enqueueing so an idle worker gets exactly one nudge.
	wake chan struct{}
}

func newServiceQueue() *serviceQueue {
	return &serviceQueue{
		events:    lane.NewQueue[ClientEvent](),
		ephemeral: lane.NewQueue[EphemeralEvent](),
		toDevice:  lane.NewQueue[ToDeviceEvent](),
		wake:      make(chan struct{}, 1),
	}
}

func (q *serviceQueue) addEvents(events ...ClientEvent) {
	for _, event := range events {
		q.events.Enqueue(event)
	}
	q.notify()
}

func (q *serviceQueue) addEphemeral(events ...EphemeralEvent) {
	for _, event := range events {
		q.ephemeral.Enqueue(event)
	}
	q.notify()
}

func (q *serviceQueue) addToDevice(events ...ToDeviceEvent) {
	for _, event := range events {
		q.toDevice.Enqueue(event)
	}
	q.notify()
}

func (q *serviceQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serviceQueue) empty() bool {
	return q.events.Size() == 0 && q.ephemeral.Size() == 0 && q.toDevice.Size() == 0
}

// drainQueue pops up to limit entries in FIFO order. A limit of zero drains
// everything queued at the time of the call; entries enqueued concurrently
// are left for the next drain.
func drainQueue[T any](q *lane.Queue[T], limit int) []T {
	n := q.Size()
	if n == 0 {
		return nil
	}
	if limit > 0 && uint(limit) < n {
		n = uint(limit)
	}
	out := make([]T, 0, n)
	for i := uint(0); i < n; i++ {
		entry, ok := q.Dequeue()
		if !ok {
			break
		}
		out = append(out, entry)
	}
	return out
}
