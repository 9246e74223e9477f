package utils

// Notifier is a coalescing, single-slot notification. Notify never blocks;
// multiple notifications delivered before a Wait collapse into one. Wait
// blocks until at least one notification has been delivered since the last
// Wait returned. Spurious wakeups are possible and must be tolerated by
// the waiter.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		ch: make(chan struct{}, 1),
	}
}

// Notify signals the waiter, if any. Never blocks.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a notification arrives.
func (n *Notifier) Wait() {
	<-n.ch
}
