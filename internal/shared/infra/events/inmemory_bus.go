package events

import (
	"context"
	"sync"

	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
)

// InMemoryEventBus reparte los mensajes entre los suscriptores del proceso.
// Se usa en modo local (sin brokers) y en tests.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers []chan sharedBus.Message
	published   int
}

var _ sharedBus.Publisher = (*InMemoryEventBus)(nil)

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{subscribers: make([]chan sharedBus.Message, 0)}
}

// Publish no bloquea: un suscriptor con el buffer lleno pierde el mensaje.
func (b *InMemoryEventBus) Publish(ctx context.Context, msg sharedBus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	for _, sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
		}
	}
	return nil
}

// Subscribe añade un oyente que recibe todos los mensajes a partir de ahora.
func (b *InMemoryEventBus) Subscribe(bufferSize int) <-chan sharedBus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan sharedBus.Message, bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *InMemoryEventBus) Published() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published
}
