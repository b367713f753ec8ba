package http2

import (
	"bufio"
	"sync"
)

// writeCommand is one unit of outbound work: either a frame to
// serialize or an arbitrary run function executed on the writer
// goroutine (stream creation uses the latter so id assignment and
// HEADERS emission stay atomic with wire order).
type writeCommand struct {
	fr    *FrameHeader
	run   func(bw *bufio.Writer) error
	flush bool

	done chan error // buffered; nil when nobody waits

	// abort fires when the command is dropped without ever executing
	// (queue closed). Invoked on its own goroutine: abort handlers take
	// the transport mutex, which a dropper may already hold.
	abort func(error)
}

func (cmd *writeCommand) finish(err error) {
	if cmd.done != nil {
		cmd.done <- err
	}
}

// writeQueue serializes every outbound frame onto the wire in
// submission order.
//
// enqueue never blocks: commands land on an unbounded queue drained by
// a single writer goroutine, so it is safe to call while holding the
// transport mutex and from the writer goroutine itself. Commands
// enqueued before bind buffer up and go out, in order, once the
// connection is ready.
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*writeCommand
	bound  bool
	closed bool

	bw *bufio.Writer

	// onError surfaces a transport-fatal write failure exactly once.
	onError func(error)
}

func newWriteQueue(onError func(error)) *writeQueue {
	wq := &writeQueue{onError: onError}
	wq.cond = sync.NewCond(&wq.mu)
	return wq
}

// enqueueFrame queues fr for writing. The returned channel receives
// the write outcome; the frame header is released after writing.
func (wq *writeQueue) enqueueFrame(fr *FrameHeader, flush bool) <-chan error {
	return wq.enqueue(&writeCommand{fr: fr, flush: flush, done: make(chan error, 1)})
}

// enqueueRun queues an arbitrary write function.
func (wq *writeQueue) enqueueRun(run func(bw *bufio.Writer) error, flush bool) <-chan error {
	return wq.enqueue(&writeCommand{run: run, flush: flush, done: make(chan error, 1)})
}

func (wq *writeQueue) enqueue(cmd *writeCommand) <-chan error {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		wq.release(cmd, ErrConnClosing)
		return cmd.done
	}

	wq.queue = append(wq.queue, cmd)
	wq.cond.Signal()
	wq.mu.Unlock()

	return cmd.done
}

// bind attaches the queue to the connection's writer and starts the
// writer goroutine, releasing anything buffered so far in order.
func (wq *writeQueue) bind(bw *bufio.Writer) {
	wq.mu.Lock()
	wq.bw = bw
	wq.bound = true
	wq.cond.Signal()
	wq.mu.Unlock()

	go wq.writeLoop()
}

// close stops the writer. Queued and future commands fail with
// ErrConnClosing. Idempotent.
func (wq *writeQueue) close() {
	wq.mu.Lock()
	if wq.closed {
		wq.mu.Unlock()
		return
	}
	wq.closed = true

	rest := wq.queue
	wq.queue = nil
	wq.cond.Broadcast()
	wq.mu.Unlock()

	for _, cmd := range rest {
		wq.release(cmd, ErrConnClosing)
	}
}

func (wq *writeQueue) writeLoop() {
	for {
		wq.mu.Lock()
		for len(wq.queue) == 0 && !wq.closed {
			wq.cond.Wait()
		}
		if wq.closed {
			rest := wq.queue
			wq.queue = nil
			wq.mu.Unlock()

			for _, cmd := range rest {
				wq.release(cmd, ErrConnClosing)
			}
			return
		}

		cmd := wq.queue[0]
		wq.queue = wq.queue[1:]
		lastInBatch := len(wq.queue) == 0
		wq.mu.Unlock()

		err := wq.execute(cmd)
		if err == nil && (cmd.flush || lastInBatch) {
			err = wq.bw.Flush()
		}

		cmd.finish(err)

		if err != nil {
			wq.close()
			wq.onError(WriteError{err})
			return
		}
	}
}

func (wq *writeQueue) execute(cmd *writeCommand) error {
	if cmd.run != nil {
		return cmd.run(wq.bw)
	}

	_, err := cmd.fr.WriteTo(wq.bw)
	ReleaseFrameHeader(cmd.fr)

	return err
}

func (wq *writeQueue) release(cmd *writeCommand, err error) {
	if cmd.fr != nil {
		ReleaseFrameHeader(cmd.fr)
	}
	if cmd.abort != nil {
		go cmd.abort(err)
	}
	cmd.finish(err)
}
