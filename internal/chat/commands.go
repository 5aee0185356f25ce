package chat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
)

// commandPattern implements the grammar in spec.md §4.8:
// \<cmd>[ <arg1>][ <tail>...]
// Ported from the original's boost::regex ServiceMessageRegExpression to
// Go's RE2-backed regexp; no backreferences are needed so the translation
// is direct.
var commandPattern = regexp.MustCompile(`^\\([A-Za-z]+)(?:\s+(\S+))?(?:\s+(.*))?$`)

const helpText = "" +
	"Available commands:\n" +
	"\\help - show this message\n" +
	"\\listall - list connected users\n" +
	"\\nickname <name> - change your nickname\n" +
	"\\private <user> <message> - send a private message\n" +
	"\\quit - disconnect"

// dispatchService parses one service-sentinel line and runs its command.
// handled is false for an unknown command or a frame that does not match
// the grammar at all, in which case the caller falls back to treating the
// line as plain chat (spec.md §4.8's deliberate fallback choice). closed
// is true only for \quit, telling ProcessTask to stop processing any
// further frames in the same payload.
func (e *Engine) dispatchService(t *ProcessTask, line string) (closed bool, handled bool) {
	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		return false, false
	}
	cmd, arg1, tail := m[1], m[2], m[3]

	switch cmd {
	case "help":
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, helpText)
		return false, true
	case "listall":
		e.cmdListAll(t)
		return false, true
	case "nickname":
		e.cmdNickname(t, arg1)
		return false, true
	case "private":
		e.cmdPrivate(t, arg1, tail)
		return false, true
	case "quit":
		e.cmdQuit(t)
		return true, true
	case "intro":
		e.cmdIntro(t)
		return false, true
	default:
		return false, false
	}
}

func (e *Engine) cmdListAll(t *ProcessTask) {
	var names []string
	for _, c := range e.Registry.ActiveSnapshot() {
		if c.IsListening() || c.IsClosed() {
			continue
		}
		names = append(names, c.Username())
	}
	e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, strings.Join(names, "\n"))
}

func (e *Engine) cmdNickname(t *ProcessTask, newName string) {
	if newName == "" || len(newName) > MaxNicknameLength || strings.EqualFold(newName, ServerSenderName) {
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, "Invalid nickname.")
		return
	}

	oldName := t.msg.SenderName
	switch err := e.Registry.AssignUsername(t.msg.SenderFD, newName); errs.Kind(err) {
	case errs.KindUnknown:
		// success
	case errs.KindAlreadyDefined:
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, "That nickname is already taken.")
		return
	case errs.KindNotFound:
		logx.Warn("chat: nickname change for vanished fd %d", t.msg.SenderFD)
		return
	default:
		logx.Err("chat: unexpected error assigning nickname for fd %d: %v", t.msg.SenderFD, err)
		return
	}

	e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, "ok.")

	announce := fmt.Sprintf("User '%s' is now known as '%s'.", oldName, newName)
	t.storeChat(ServerSenderName, announce)
	t.msg.SenderName = newName
}

func (e *Engine) cmdPrivate(t *ProcessTask, target, tail string) {
	if target == "" || tail == "" {
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, "Usage: \\private <user> <message>")
		return
	}
	if target == t.msg.SenderName {
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName, "You cannot send a private message to yourself.")
		return
	}

	receiver, err := e.Registry.FindByUsername(target)
	if err != nil {
		e.replyServerMessage(e.senderOf(t.msg), t.msg.SenderFD, ServerSenderName,
			fmt.Sprintf("User with the nickname '%s' doesn't exist.", target))
		return
	}

	payload := []byte(t.msg.SenderName + ":private> " + tail + "\n")
	wt := e.NewSingleWriteTask(t.msg.SenderFD, receiver, payload)
	if err := e.FastPool.Submit(wt); err != nil {
		logx.Err("chat: failed to submit private message write: %v", err)
	}
}

func (e *Engine) cmdQuit(t *ProcessTask) {
	c, ok := e.Registry.Get(t.msg.SenderFD)
	if !ok {
		return
	}
	c.Close()
	e.Registry.DeferRemove(t.msg.SenderFD)
}

// cmdIntro delivers the welcome message to a freshly accepted connection.
// Only the server identity may issue \intro; a user-typed \intro is
// dropped silently rather than answered, matching spec.md §4.8's "sender
// != SERVER -> fail silently".
func (e *Engine) cmdIntro(t *ProcessTask) {
	if t.msg.SenderName != ServerSenderName {
		return
	}
	if t.msg.Receiver == nil {
		logx.Err("chat: intro task with no receiver for fd %d", t.msg.SenderFD)
		return
	}
	e.replyServerMessage(t.msg.Receiver, t.msg.SenderFD, ServerSenderName,
		fmt.Sprintf("Welcome, %s. Send \\help for a list of commands.", t.msg.Receiver.Username()))
}
