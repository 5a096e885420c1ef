package mutation

import (
	"context"

	"github.com/matheus3301/chatsync/internal/model"
)

// Ticket tracks the reconciliation of one optimistic mutation.
type Ticket struct {
	// ID is the message the mutation targets; for sends it is the client id.
	ID string
	// Coalesced is set on tickets that joined an in-flight toggle.
	Coalesced bool

	o *outcome
}

type outcome struct {
	done chan struct{}
	msg  *model.Message
	err  error
}

func newTicket(id string) *Ticket {
	return &Ticket{ID: id, o: &outcome{done: make(chan struct{})}}
}

func (t *Ticket) finish(msg *model.Message, err error) {
	t.o.msg = msg
	t.o.err = err
	close(t.o.done)
}

func (t *Ticket) join() *Ticket {
	return &Ticket{ID: t.ID, Coalesced: true, o: t.o}
}

// Done is closed once the server confirmed or the change was rolled back.
func (t *Ticket) Done() <-chan struct{} { return t.o.done }

// Err returns the rollback cause, or nil. Only valid after Done.
func (t *Ticket) Err() error {
	select {
	case <-t.o.done:
		return t.o.err
	default:
		return nil
	}
}

// Message returns the reconciled message after a successful mutation.
func (t *Ticket) Message() (model.Message, bool) {
	select {
	case <-t.o.done:
	default:
		return model.Message{}, false
	}
	if t.o.msg == nil {
		return model.Message{}, false
	}
	return *t.o.msg, true
}

// Wait blocks until the mutation settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.o.done:
		return t.o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
