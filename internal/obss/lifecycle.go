package obss

import "time"

// Start launches the OBSS's two long-lived goroutines: the mailbox worker
// draining handlers in FIFO order and the acquisition loop.
func (o *OBSS) Start() {
	go o.runMailbox()
	go o.runAcquisitionLoop()
}

// Stop shuts the OBSS down: already-queued mailbox work finishes, no new
// work is accepted. The mailbox is a plain FIFO channel, so the quit
// channel stands in for a priority QUIT message with the same observable
// drain-then-return behavior.
func (o *OBSS) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()
	close(o.quit)
}

func (o *OBSS) runMailbox() {
	for {
		select {
		case fn := <-o.mailbox:
			fn()
		case <-o.quit:
			// Drain whatever is already queued, then return.
			for {
				select {
				case fn := <-o.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue posts a handler onto the mailbox; handlers never block on I/O.
func (o *OBSS) enqueue(fn func()) {
	select {
	case o.mailbox <- fn:
	case <-o.quit:
	}
}

func (o *OBSS) signalAcquire() {
	select {
	case o.acquireSignal <- struct{}{}:
	default:
	}
}

const acquisitionPeriod = 2 * time.Minute
