package chat

import "github.com/drawbridge-io/chatbroker/internal/conn"

// ServerSenderName is the reserved display name used for server-originated
// lines (spec.md §6's "SERVER> " prefix) and for the \intro service account
// check in cmdIntro.
const ServerSenderName = "SERVER"

// FrameTerminator and ServiceSentinel are the two framing bytes of the wire
// protocol (spec.md glossary).
const (
	FrameTerminator = '\n'
	ServiceSentinel = '\\'
)

// MaxNicknameLength bounds the \nickname argument. \private targets are not
// length-checked; they only have to match an existing username.
const MaxNicknameLength = 50

// MessageContext carries everything a task needs to process or deliver one
// message: sender identity, an optional strong reference to the sender and
// receiver Connections, and the raw framed payload.
//
// Invariant: for a command-driven single-recipient message, Receiver is
// set and Payload ends with FrameTerminator.
type MessageContext struct {
	SenderFD   int
	Sender     *conn.Connection // nullable after hand-off to WriteAnswerTask
	Receiver   *conn.Connection // nullable for broadcast
	SenderName string
	Payload    []byte
}

// Clone makes a shallow copy suitable for mutating Receiver/Payload/
// SenderName independently of the original, matching the original C++'s
// copy-construct-then-mutate idiom in PostServerMessage/AssembleServiceMessage.
func (m MessageContext) Clone() MessageContext {
	return m
}
