package subscriptions

import (
	"fmt"
	"sync"
)

// Pump serializes writes from any number of producer goroutines onto a
// single consumer callback, preserving post order. The drain goroutine
// is started lazily by whichever Post transitions the queue from empty
// to non-empty and exits once it observes the queue empty, so an idle
// pump holds no goroutine.
type Pump struct {
	process func(item any) error
	// OnError receives callback failures and panics. The default drops
	// them: a failing consumer must neither crash nor stall the pump.
	OnError func(err error)

	mu      sync.Mutex
	queue   []any
	running bool
}

func NewPump(process func(item any) error) *Pump {
	return &Pump{process: process}
}

// Post enqueues item for delivery. It never blocks on the consumer.
func (p *Pump) Post(item any) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()
	if start {
		go p.drain()
	}
}

func (p *Pump) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		// Peek without removing: a concurrent Post must see a non-empty
		// queue until this item is fully processed.
		item := p.queue[0]
		p.mu.Unlock()

		p.invoke(item)

		p.mu.Lock()
		p.queue = p.queue[1:]
		p.mu.Unlock()
	}
}

func (p *Pump) invoke(item any) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("pump: consumer panic: %v", r)
			}
			p.fail(err)
		}
	}()
	if err := p.process(item); err != nil {
		p.fail(err)
	}
}

func (p *Pump) fail(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}
