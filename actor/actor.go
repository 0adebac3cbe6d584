// Package actor provides the small single-goroutine mailbox scaffold that
// every chain-manager instance runs on: messages are delivered in batches,
// a message can opt out of batching, and a processor can ask the mailbox to
// bisect a batch that failed for a reason that isn't attributable to any
// single message yet.
//
// This is deliberately minimal. The wider policy agent this package was
// extracted from builds a much richer actor runtime (supervision trees,
// per-actor queues shared across many tables); this package only implements
// the contract the chain manager actually needs.
package actor

import "errors"

// Message is anything that can be delivered through a Mailbox.
// NeedsOwnBatch reports whether this message must be processed alone,
// never combined with other pending messages.
type Message interface {
	NeedsOwnBatch() bool
}

// ErrSplitBatch is returned by a Processor to ask the mailbox to split the
// current batch in half and retry each half independently. It is only
// meaningful for batches of more than one message; a Processor must not
// return it for a single-message batch.
var ErrSplitBatch = errors.New("actor: batch must be split and retried")

// Processor handles one batch of messages. On success it returns one
// result per message, in order. On a failure that can't yet be attributed
// to a specific message, it returns ErrSplitBatch (only valid when
// len(batch) > 1); the mailbox will split the batch and call Processor
// again on each half. Any other non-nil error is delivered verbatim to
// every message in the batch.
type Processor[M Message] func(batch []M) (results []error, splitErr error)

type entry[M Message] struct {
	msg     M
	respond func(error)
}

// Mailbox delivers messages of type M to a single Processor, batching
// greedily: once a message arrives, messages already queued behind it are
// swept into the same batch before Processor runs, until the batch holds
// maxBatch messages or a message marked NeedsOwnBatch is reached (that
// message then runs alone, as the next batch).
type Mailbox[M Message] struct {
	ch       chan entry[M]
	maxBatch int
}

// NewMailbox creates a mailbox with the given channel buffer size and
// maximum batch size (messages beyond maxBatch wait for the next batch).
func NewMailbox[M Message](bufSize, maxBatch int) *Mailbox[M] {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Mailbox[M]{ch: make(chan entry[M], bufSize), maxBatch: maxBatch}
}

// Send enqueues msg and blocks until it has been processed, returning its
// result.
func (mb *Mailbox[M]) Send(msg M) error {
	done := make(chan error, 1)
	mb.ch <- entry[M]{msg: msg, respond: func(err error) { done <- err }}
	return <-done
}

// SendAsync enqueues msg and returns immediately; cb (if non-nil) is
// invoked with the result from the actor's own goroutine once the
// message's batch completes.
func (mb *Mailbox[M]) SendAsync(msg M, cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	mb.ch <- entry[M]{msg: msg, respond: cb}
}

// Close stops accepting new messages. Run returns once the last queued
// batch has been processed.
func (mb *Mailbox[M]) Close() {
	close(mb.ch)
}

// Run processes batches with process until the mailbox is closed and
// drained. It must be called from exactly one goroutine.
func (mb *Mailbox[M]) Run(process Processor[M]) {
	var pending *entry[M]
	for {
		var first entry[M]
		if pending != nil {
			first, pending = *pending, nil
		} else {
			e, ok := <-mb.ch
			if !ok {
				return
			}
			first = e
		}

		batch := []entry[M]{first}
		if !first.msg.NeedsOwnBatch() {
		drain:
			for len(batch) < mb.maxBatch {
				select {
				case e, ok := <-mb.ch:
					if !ok {
						break drain
					}
					if e.msg.NeedsOwnBatch() {
						pending = &e
						break drain
					}
					batch = append(batch, e)
				default:
					break drain
				}
			}
		}
		mb.runBatch(batch, process)
	}
}

func (mb *Mailbox[M]) runBatch(batch []entry[M], process Processor[M]) {
	msgs := make([]M, len(batch))
	for i, e := range batch {
		msgs[i] = e.msg
	}

	results, splitErr := process(msgs)
	if splitErr != nil {
		if errors.Is(splitErr, ErrSplitBatch) {
			if len(batch) < 2 {
				panic("actor: processor returned ErrSplitBatch for a single-message batch")
			}
			mid := len(batch) / 2
			// Process the first half to completion before the second so
			// that, under repeated bisection, earlier messages commit as
			// soon as a clean half is reached.
			mb.runBatch(batch[:mid], process)
			mb.runBatch(batch[mid:], process)
			return
		}
		for _, e := range batch {
			e.respond(splitErr)
		}
		return
	}

	for i, e := range batch {
		var err error
		if i < len(results) {
			err = results[i]
		}
		e.respond(err)
	}
}
