package inmemoryledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/google/uuid"
)

// Subscribe opens a feed replaying the matching history before any new
// transaction.
func (l *Ledger) Subscribe(_ context.Context, filter ports.FeedFilter) (ports.Feed, error) {
	if len(filter.AssetId) <= 0 && len(filter.ReferenceData) <= 0 {
		return nil, fmt.Errorf("feed filter must not be empty")
	}

	f := newFeed(filter)

	l.feedLock.Lock()
	l.lock.RLock()
	for _, tx := range l.history {
		f.push(tx)
	}
	l.lock.RUnlock()
	l.feeds[f.id] = f
	l.feedLock.Unlock()

	f.onClose = func() {
		l.feedLock.Lock()
		defer l.feedLock.Unlock()
		delete(l.feeds, f.id)
	}

	return f, nil
}

func (l *Ledger) broadcast(tx ports.Transaction) {
	l.feedLock.Lock()
	defer l.feedLock.Unlock()

	for _, f := range l.feeds {
		f.push(tx)
	}
}

// Redeliver pushes a past transaction to every open feed again, as remote
// ledgers do on reconnection.
func (l *Ledger) Redeliver(txid string) error {
	l.lock.RLock()
	var found *ports.Transaction
	for i := range l.history {
		if l.history[i].Id == txid {
			found = &l.history[i]
			break
		}
	}
	l.lock.RUnlock()

	if found == nil {
		return fmt.Errorf("transaction %s not found", txid)
	}
	l.broadcast(*found)
	return nil
}

type feed struct {
	id     string
	filter ports.FeedFilter

	lock    *sync.Mutex
	queue   []ports.Transaction
	pending map[string]ports.Transaction
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	onClose func()
}

func newFeed(filter ports.FeedFilter) *feed {
	return &feed{
		id:      uuid.New().String(),
		filter:  filter,
		lock:    &sync.Mutex{},
		queue:   make([]ports.Transaction, 0),
		pending: make(map[string]ports.Transaction),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *feed) Next(ctx context.Context) (*ports.Transaction, error) {
	for {
		f.lock.Lock()
		if f.closed {
			f.lock.Unlock()
			return nil, ports.ErrFeedClosed
		}
		if len(f.queue) > 0 {
			tx := f.queue[0]
			f.queue = f.queue[1:]
			f.pending[tx.Id] = tx
			f.lock.Unlock()
			return &tx, nil
		}
		f.lock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
			return nil, ports.ErrFeedClosed
		case <-f.notify:
		}
	}
}

// Ack releases a delivered transaction, or requeues it if not processed.
func (f *feed) Ack(_ context.Context, txid string, processed bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	tx, ok := f.pending[txid]
	if !ok {
		return fmt.Errorf("transaction %s is not pending", txid)
	}
	delete(f.pending, txid)

	if !processed && !f.closed {
		f.queue = append(f.queue, tx)
		f.signal()
	}
	return nil
}

func (f *feed) Close() error {
	f.close()
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func (f *feed) enqueue(tx ports.Transaction) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return
	}
	f.queue = append(f.queue, tx)
	f.signal()
}

func (f *feed) push(tx ports.Transaction) {
	if !matchTransaction(tx, f.filter.AssetId, f.filter.ReferenceData) {
		return
	}
	f.enqueue(tx)
}

func (f *feed) close() {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

// signal must be called with the lock held.
func (f *feed) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}
