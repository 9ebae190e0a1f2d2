package changefeed

import (
	"context"
	"sync"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// InProcessFeed es el feed de cambios del modo SQLite: el servicio del outbox
// lo alimenta desde los hooks AfterCommit. Si el buffer está lleno el aviso se
// descarta y el evento lo recogerá el polling.
type InProcessFeed struct {
	ch chan domain.ChangeNotice

	mu        sync.Mutex
	listening bool
}

var _ domain.ChangeFeed = (*InProcessFeed)(nil)

func NewInProcessFeed(buffer int) *InProcessFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &InProcessFeed{ch: make(chan domain.ChangeNotice, buffer)}
}

// Notify no bloquea nunca.
func (f *InProcessFeed) Notify(n domain.ChangeNotice) {
	select {
	case f.ch <- n:
	default:
	}
}

func (f *InProcessFeed) Listen(ctx context.Context, h domain.FeedHandler) error {
	f.mu.Lock()
	if f.listening {
		f.mu.Unlock()
		return errAlreadyListening
	}
	f.listening = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.listening = false
		f.mu.Unlock()
	}()

	if h.OnConnected != nil {
		h.OnConnected()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-f.ch:
			if h.OnNotice != nil {
				h.OnNotice(n)
			}
		}
	}
}
