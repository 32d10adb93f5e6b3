package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel identifies which framing scheme produced a frame.
type Channel int

const (
	// ChannelHandshake carries NUL-terminated markup documents, used only
	// before authentication completes.
	ChannelHandshake Channel = iota
	// ChannelExtended carries %-separated command frames with a JSON payload.
	ChannelExtended
)

func (c Channel) String() string {
	switch c {
	case ChannelHandshake:
		return "handshake"
	case ChannelExtended:
		return "extended"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// NoSequence marks a frame whose sequence field is absent or unparsed.
const NoSequence = -1

// Frame is one decoded wire message. Immutable by convention: dispatch hands
// consumers payload copies, never the decoder's backing slice.
type Frame struct {
	Channel  Channel
	Command  string
	Sequence int
	Status   int
	Payload  []byte
}

// Clone returns a frame with an independent payload copy.
func (f Frame) Clone() Frame {
	out := f
	if f.Payload != nil {
		out.Payload = make([]byte, len(f.Payload))
		copy(out.Payload, f.Payload)
	}
	return out
}

const (
	terminator byte = 0x00
	separator       = "%"
	extPrefix       = "%xt%"
)

// EncodeMarkup frames one handshake markup document.
func EncodeMarkup(doc string) []byte {
	out := make([]byte, 0, len(doc)+1)
	out = append(out, doc...)
	out = append(out, terminator)
	return out
}

// EncodeCommand frames one outbound extended command:
// %xt%<zone>%<command>%<sequence>%<payload>% plus the stream terminator.
func EncodeCommand(zone, command string, sequence int, payload []byte) []byte {
	var b strings.Builder
	b.Grow(len(extPrefix) + len(zone) + len(command) + len(payload) + 16)
	b.WriteString(extPrefix)
	b.WriteString(zone)
	b.WriteString(separator)
	b.WriteString(command)
	b.WriteString(separator)
	b.WriteString(strconv.Itoa(sequence))
	b.WriteString(separator)
	b.Write(payload)
	b.WriteString(separator)
	out := []byte(b.String())
	return append(out, terminator)
}

// parseExtended decodes one inbound extended chunk (terminator stripped):
// %xt%<command>%<sequence>%<status>%<payload>%. The payload is structured
// text that may itself contain the separator, so the terminal separator is
// located by field position, never by splitting the whole chunk.
func parseExtended(chunk []byte) (Frame, error) {
	s := string(chunk)
	if !strings.HasPrefix(s, extPrefix) {
		return Frame{}, &DecodeError{Reason: "extended frame missing %xt% prefix"}
	}
	rest := s[len(extPrefix):]

	cmd, rest, ok := cutField(rest)
	if !ok || cmd == "" {
		return Frame{}, &DecodeError{Reason: "extended frame missing command"}
	}
	seqField, rest, ok := cutField(rest)
	if !ok {
		return Frame{}, &DecodeError{Reason: "extended frame missing sequence"}
	}
	seq, err := strconv.Atoi(seqField)
	if err != nil {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("extended frame bad sequence %q", seqField)}
	}
	statusField, rest, ok := cutField(rest)
	if !ok {
		return Frame{}, &DecodeError{Reason: "extended frame missing status"}
	}
	status, err := strconv.Atoi(statusField)
	if err != nil {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("extended frame bad status %q", statusField)}
	}
	if !strings.HasSuffix(rest, separator) {
		return Frame{}, &DecodeError{Reason: "extended frame missing terminal separator"}
	}
	payload := rest[:len(rest)-1]

	return Frame{
		Channel:  ChannelExtended,
		Command:  cmd,
		Sequence: seq,
		Status:   status,
		Payload:  []byte(payload),
	}, nil
}

func cutField(s string) (field, rest string, ok bool) {
	i := strings.Index(s, separator)
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

// parseMarkup decodes one handshake markup chunk. The command is the body
// action attribute; documents without one (policy files and the like) fall
// back to the root element name.
func parseMarkup(chunk []byte) (Frame, error) {
	s := string(chunk)
	cmd := markupAction(s)
	if cmd == "" {
		cmd = markupRoot(s)
	}
	if cmd == "" {
		return Frame{}, &DecodeError{Reason: "markup frame without action or root element"}
	}
	return Frame{
		Channel:  ChannelHandshake,
		Command:  cmd,
		Sequence: NoSequence,
		Payload:  chunk,
	}, nil
}

func markupAction(s string) string {
	const attr = "action='"
	i := strings.Index(s, attr)
	if i < 0 {
		return ""
	}
	rest := s[i+len(attr):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func markupRoot(s string) string {
	i := strings.IndexByte(s, '<')
	if i < 0 {
		return ""
	}
	rest := s[i+1:]
	j := strings.IndexAny(rest, " >/")
	if j <= 0 {
		return ""
	}
	return rest[:j]
}
