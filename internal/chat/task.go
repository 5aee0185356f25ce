package chat

import (
	"github.com/drawbridge-io/chatbroker/internal/conn"
	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
)

// ReceiveTask drains one Connection's socket, extracts any complete framed
// message, and hands it to the slow pool as a ProcessTask. Runs on the fast
// pool (spec.md §4.7).
type ReceiveTask struct {
	engine *Engine
	c      *conn.Connection
}

func (e *Engine) NewReceiveTask(c *conn.Connection) *ReceiveTask {
	return &ReceiveTask{engine: e, c: c}
}

func (t *ReceiveTask) Execute() {
	defer func() {
		if r := recover(); r != nil {
			logx.Err("ReceiveTask: recovered panic on fd %d: %v", t.c.FD(), r)
		}
	}()

	fd := t.c.FD()
	err := t.c.DrainIntoBuffer()
	switch errs.Kind(err) {
	case errs.KindUnknown:
		// success, fall through to framing
	case errs.KindBufferOverflow:
		// Written synchronously, not via a queued WriteAnswerTask: closeConnection
		// below flips the closed flag right away, and a reply racing that flag
		// on another fast-pool worker could be silently dropped.
		overflowMsg := []byte(ServerSenderName + "> Message too long, closing connection.\n")
		if _, werr := t.c.Write(overflowMsg); werr != nil {
			logx.Debug("ReceiveTask: best-effort overflow reply to fd %d failed: %v", fd, werr)
		}
		t.closeConnection()
		return
	case errs.KindConnectionClosed:
		logx.Debug("ReceiveTask: remote closed fd %d", fd)
		t.closeConnection()
		return
	default:
		logx.Err("ReceiveTask: error reading fd %d: %v", fd, err)
		return
	}

	frame, ok := t.c.TakeCompletePrefix()
	if !ok {
		return
	}
	if len(frame) <= 1 {
		// empty message (just the terminator) - nothing to process
		return
	}

	msg := MessageContext{
		SenderFD:   fd,
		Sender:     t.c,
		SenderName: t.c.Username(),
		Payload:    frame,
	}
	if err := t.engine.SlowPool.Submit(t.engine.NewProcessTask(msg)); err != nil {
		logx.Err("ReceiveTask: failed to submit ProcessTask for fd %d: %v", fd, err)
	}
}

func (t *ReceiveTask) closeConnection() {
	t.c.Close()
	t.engine.Registry.DeferRemove(t.c.FD())
}

// ProcessTask splits a framed payload on FrameTerminator and classifies
// each resulting line as chat or service. Runs on the slow pool
// (spec.md §4.7/§4.8).
type ProcessTask struct {
	engine  *Engine
	msg     MessageContext
	pending []string // accumulated "name> text" chat lines awaiting flush (terminator added by WriteAnswerTask)
}

func (e *Engine) NewProcessTask(msg MessageContext) *ProcessTask {
	return &ProcessTask{engine: e, msg: msg}
}

func (t *ProcessTask) Execute() {
	defer func() {
		if r := recover(); r != nil {
			logx.Err("ProcessTask: recovered panic for fd %d: %v", t.msg.SenderFD, r)
		}
	}()

	for _, line := range splitFrames(t.msg.Payload) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ServiceSentinel {
			// A service message can change state (nickname, quit) that must
			// not be reordered behind earlier chat, so flush first.
			t.flushChat()
			closed, handled := t.engine.dispatchService(t, string(line))
			if closed {
				break
			}
			if !handled {
				// Unknown command or malformed frame: preserve user text
				// that happened to start with the sentinel (spec.md §4.8).
				t.storeChat(t.msg.SenderName, string(line))
			}
		} else {
			t.storeChat(t.msg.SenderName, string(line))
		}
	}
	t.flushChat()
}

// storeChat appends "name> text" (without the terminator, which
// WriteAnswerTask appends on delivery) to the pending chat list, matching
// StoreChatMessage in the original.
func (t *ProcessTask) storeChat(senderName string, line string) {
	t.pending = append(t.pending, senderName+"> "+line)
}

func (t *ProcessTask) flushChat() {
	if len(t.pending) == 0 {
		return
	}
	lines := t.pending
	t.pending = nil

	wt := t.engine.NewBroadcastWriteTask(t.msg, lines)
	if err := t.engine.FastPool.Submit(wt); err != nil {
		logx.Err("ProcessTask: failed to submit broadcast WriteAnswerTask: %v", err)
	}
}

// splitFrames splits payload on FrameTerminator, keeping the terminator off
// each returned line (mirrors the original's substr(i, terminationPosition)
// loop in ProcessMessageTask::Execute).
func splitFrames(payload []byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i < len(payload); i++ {
		if payload[i] == FrameTerminator {
			out = append(out, payload[start:i])
			start = i + 1
		}
	}
	if start < len(payload) {
		out = append(out, payload[start:])
	}
	return out
}

// WriteAnswerTask delivers either a list of broadcast chat lines to a
// snapshot of active Connections, or a single payload to one receiver. Runs
// on the fast pool (spec.md §4.7).
type WriteAnswerTask struct {
	engine *Engine

	senderFD int
	snapshot []*conn.Connection // nil for single-target writes
	lines    []string

	receiver *conn.Connection // nil for broadcasts
	single   []byte
}

// NewBroadcastWriteTask captures a snapshot of active Connections at submit
// time (so the write itself never holds the registry lock) plus the chat
// lines to deliver to every non-listening, non-sender Connection.
func (e *Engine) NewBroadcastWriteTask(msg MessageContext, lines []string) *WriteAnswerTask {
	return &WriteAnswerTask{
		engine:   e,
		senderFD: msg.SenderFD,
		snapshot: e.Registry.ActiveSnapshot(),
		lines:    lines,
	}
}

// NewSingleWriteTask writes one payload to one receiver. The sender
// Connection reference, if any, is not retained here: WriteAnswerTask never
// needs it, so holding it would needlessly extend the sender's lifetime.
func (e *Engine) NewSingleWriteTask(senderFD int, receiver *conn.Connection, payload []byte) *WriteAnswerTask {
	return &WriteAnswerTask{
		engine:   e,
		senderFD: senderFD,
		receiver: receiver,
		single:   payload,
	}
}

func (t *WriteAnswerTask) Execute() {
	defer func() {
		if r := recover(); r != nil {
			logx.Err("WriteAnswerTask: recovered panic: %v", r)
		}
	}()

	if len(t.lines) > 0 {
		for _, line := range t.lines {
			payload := []byte(line + "\n")
			for _, c := range t.snapshot {
				if c.IsListening() || c.FD() == t.senderFD || c.IsClosed() {
					continue
				}
				if _, err := c.Write(payload); err != nil {
					logx.Debug("WriteAnswerTask: write to fd %d failed: %v", c.FD(), err)
				}
			}
		}
		return
	}

	if len(t.single) > 0 {
		if t.receiver == nil {
			logx.Err("WriteAnswerTask: single write with nil receiver")
			return
		}
		if _, err := t.receiver.Write(t.single); err != nil {
			logx.Debug("WriteAnswerTask: write to fd %d failed: %v", t.receiver.FD(), err)
		}
		return
	}

	logx.Err("WriteAnswerTask: attempt to execute an empty write task")
}
