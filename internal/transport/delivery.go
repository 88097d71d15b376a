package transport

import (
	"context"
	"sync"

	"github.com/locolive/chatsync/internal/domain"
)

// Delivery tracks one sent message until the server confirms or refuses it.
type Delivery struct {
	ChatID   string
	ClientID string

	once    sync.Once
	done    chan struct{}
	message domain.Message
	err     error
}

func newDelivery(chatID, clientID string) *Delivery {
	return &Delivery{
		ChatID:   chatID,
		ClientID: clientID,
		done:     make(chan struct{}),
	}
}

func (d *Delivery) resolve(m domain.Message, err error) {
	d.once.Do(func() {
		d.message = m
		d.err = err
		close(d.done)
	})
}

// Done is closed once the delivery settles.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery settles or ctx ends. It returns the message
// as stored by the server.
func (d *Delivery) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-d.done:
		return d.message, d.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}
