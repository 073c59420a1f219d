package pool

import "container/list"

// waiter is one caller parked until a connection or capacity becomes
// available. The channel is buffered so a releaser can hand off without
// blocking while it holds the pool lock.
type waiter struct {
	ch chan *physConn
}

// waitlist is the FIFO queue of parked acquisition requests. All methods
// must be called with the owning pool's mutex held; hand-off vs timeout races
// are resolved by whether the waiter is still linked in the list.
type waitlist struct {
	list list.List
}

func (wl *waitlist) enqueue() *list.Element {
	return wl.list.PushBack(&waiter{ch: make(chan *physConn, 1)})
}

// remove detaches a waiter that timed out or saw the pool close. It reports
// false when the waiter was already dequeued, meaning a hand-off is in
// flight and the waiter must consume its channel.
func (wl *waitlist) remove(elem *list.Element) bool {
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(elem)
			return true
		}
	}
	return false
}

// pop dequeues the longest-waiting waiter, or nil when nobody waits.
func (wl *waitlist) pop() *waiter {
	front := wl.list.Front()
	if front == nil {
		return nil
	}
	wl.list.Remove(front)
	return front.Value.(*waiter)
}

func (wl *waitlist) len() int {
	return wl.list.Len()
}
