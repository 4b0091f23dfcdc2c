package protocol

import (
	"github.com/eapache/queue"

	"github.com/momentics/wspy/api"
	"github.com/momentics/wspy/internal/pool"
)

// assembler accumulates the fragments of one data message.
type assembler struct {
	opcode Opcode
	frags  *queue.Queue
	size   int64
	limit  int64
}

func newAssembler(limit int64) *assembler {
	return &assembler{frags: queue.New(), limit: limit}
}

// assemblers recycles receive-side assembly state between connections.
var assemblers = pool.NewSyncPool(func() *assembler { return newAssembler(0) })

// acquireAssembler returns an idle assembler capped at limit.
func acquireAssembler(limit int64) *assembler {
	a := assemblers.Get()
	a.limit = limit
	return a
}

// releaseAssembler drops any partial message and returns a to the pool.
func releaseAssembler(a *assembler) {
	for a.frags.Length() > 0 {
		a.frags.Remove()
	}
	a.opcode = OpContinuation
	a.size = 0
	assemblers.Put(a)
}

// active reports whether a fragmented message is in progress.
func (a *assembler) active() bool { return a.opcode != OpContinuation }

// start begins a message initiated by a TEXT or BINARY frame with fin=false.
func (a *assembler) start(op Opcode, payload []byte) error {
	if a.active() {
		return api.NewProtocolError(api.CloseProtocolError, api.ErrInterleavedMessage)
	}
	a.opcode = op
	return a.add(payload)
}

// add appends a continuation payload.
func (a *assembler) add(payload []byte) error {
	if !a.active() {
		return api.NewProtocolError(api.CloseProtocolError, api.ErrUnexpectedContinuation)
	}
	a.size += int64(len(payload))
	if a.limit > 0 && a.size > a.limit {
		return api.NewProtocolError(api.CloseMessageTooBig, api.ErrMessageTooLarge)
	}
	if len(payload) > 0 {
		a.frags.Add(payload)
	}
	return nil
}

// finish concatenates the fragments and resets the assembler.
func (a *assembler) finish() (Opcode, []byte) {
	op := a.opcode
	out := make([]byte, 0, a.size)
	for a.frags.Length() > 0 {
		out = append(out, a.frags.Remove().([]byte)...)
	}
	a.opcode = OpContinuation
	a.size = 0
	return op, out
}
