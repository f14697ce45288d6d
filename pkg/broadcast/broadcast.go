package broadcast

// Broker is a single-producer fan-out: values published are delivered to
// every subscribed channel. All bookkeeping happens inside the Start
// loop, so subscription and publishing need no locks.
//
// Subscriber channels are buffered; a subscriber that falls behind has
// updates dropped rather than blocking the loop.
type Broker[T any] struct {
	stopCh    chan struct{}
	publishCh chan T
	subCh     chan chan T
	unsubCh   chan chan T
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		stopCh:    make(chan struct{}),
		publishCh: make(chan T, 1),
		subCh:     make(chan chan T, 1),
		unsubCh:   make(chan chan T, 1),
	}
}

// Start runs the delivery loop until Stop is called, closing every
// remaining subscriber channel on the way out. Run this in its own
// goroutine.
func (broker *Broker[T]) Start() {
	subscribers := make(map[chan T]struct{})
	for {
		select {
		case <-broker.stopCh:
			for ch := range subscribers {
				close(ch)
			}

			return
		case ch := <-broker.subCh:
			subscribers[ch] = struct{}{}
		case ch := <-broker.unsubCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case message := <-broker.publishCh:
			for ch := range subscribers {
				select {
				case ch <- message:
				default:
				}
			}
		}
	}
}

func (broker *Broker[T]) Stop() {
	close(broker.stopCh)
}

// Subscribe returns a channel which receives all future published
// values. The channel is closed by Unsubscribe or Stop.
func (broker *Broker[T]) Subscribe() chan T {
	ch := make(chan T, 5)
	broker.subCh <- ch

	return ch
}

func (broker *Broker[T]) Unsubscribe(ch chan T) {
	broker.unsubCh <- ch
}

func (broker *Broker[T]) Publish(message T) {
	broker.publishCh <- message
}
