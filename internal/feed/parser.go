// Package feed implements the upstream trade feed: an incremental parser for
// the line-based pub/sub protocol and the websocket connection carrying it.
package feed

import (
	"bytes"
	"strconv"
)

// Delimiter terminates every control line and data frame.
const Delimiter = "\r\n"

var delim = []byte(Delimiter)

// DefaultMaxLine bounds a control line or data header that has no delimiter yet.
const DefaultMaxLine = 64 * 1024

// DefaultMaxPayload bounds the declared size of a data frame.
const DefaultMaxPayload = 8 * 1024 * 1024

// Kind classifies one protocol unit.
type Kind int

const (
	KindUnknown Kind = iota
	KindMsg
	KindPing
	KindPong
	KindOK
	KindInfo
	KindErr
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMsg:
		return "msg"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindOK:
		return "ok"
	case KindInfo:
		return "info"
	case KindErr:
		return "err"
	default:
		return "unknown"
	}
}

// Frame is one complete protocol unit.
type Frame struct {
	Kind Kind

	// Data frames only.
	Subject string
	SID     string
	ReplyTo string
	Payload []byte

	// Control lines: the text after the verb (INFO json, -ERR message, ...).
	Arg string
}

// Parser reassembles protocol units from arbitrarily split chunks.
// It is synchronous and never blocks; Feed returns every unit completed so far
// and keeps the remainder buffered. Not safe for concurrent use.
type Parser struct {
	buf        []byte
	maxLine    int
	maxPayload int

	malformed int
}

// NewParser creates a parser with default limits.
func NewParser() *Parser {
	return &Parser{maxLine: DefaultMaxLine, maxPayload: DefaultMaxPayload}
}

// Feed appends chunk to the buffer and returns all units that became complete.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	for {
		f, n, ok := p.next()
		if n > 0 {
			p.buf = p.buf[n:]
		}
		if !ok {
			if n == 0 {
				break
			}
			continue
		}
		frames = append(frames, f)
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes held for an incomplete unit.
func (p *Parser) Buffered() int { return len(p.buf) }

// Malformed returns the number of lines skipped since the parser was created.
func (p *Parser) Malformed() int { return p.malformed }

// Reset drops any buffered partial unit.
func (p *Parser) Reset() {
	p.buf = nil
}

// next inspects the head of the buffer. It returns the number of bytes to
// consume and whether a frame was produced. n == 0 && !ok means suspend.
func (p *Parser) next() (Frame, int, bool) {
	if len(p.buf) == 0 {
		return Frame{}, 0, false
	}

	end := bytes.Index(p.buf, delim)
	if end < 0 {
		if len(p.buf) > p.maxLine {
			// Garbage without a delimiter. Drop it rather than grow forever.
			p.malformed++
			return Frame{}, len(p.buf), false
		}
		return Frame{}, 0, false
	}

	line := p.buf[:end]
	lineLen := end + len(delim)

	verb, rest := splitVerb(line)
	switch {
	case equalFold(verb, "MSG"):
		return p.data(rest, lineLen)
	case equalFold(verb, "PING"):
		return Frame{Kind: KindPing}, lineLen, true
	case equalFold(verb, "PONG"):
		return Frame{Kind: KindPong}, lineLen, true
	case equalFold(verb, "+OK"):
		return Frame{Kind: KindOK}, lineLen, true
	case equalFold(verb, "INFO"):
		return Frame{Kind: KindInfo, Arg: string(rest)}, lineLen, true
	case equalFold(verb, "-ERR"):
		return Frame{Kind: KindErr, Arg: string(rest)}, lineLen, true
	case len(line) == 0:
		// Stray delimiter.
		return Frame{}, lineLen, false
	default:
		return Frame{Kind: KindUnknown, Arg: string(line)}, lineLen, true
	}
}

// data handles "MSG <subject> <sid> [reply-to] <#bytes>".
func (p *Parser) data(args []byte, headerLen int) (Frame, int, bool) {
	fields := bytes.Fields(args)
	if len(fields) < 3 || len(fields) > 4 {
		p.malformed++
		return Frame{}, headerLen, false
	}

	size, err := strconv.Atoi(string(fields[len(fields)-1]))
	if err != nil || size < 0 || size > p.maxPayload {
		p.malformed++
		return Frame{}, headerLen, false
	}

	total := headerLen + size + len(delim)
	if len(p.buf) < total {
		return Frame{}, 0, false
	}
	if !bytes.Equal(p.buf[headerLen+size:total], delim) {
		// Declared length disagrees with the stream. Skip the header and
		// let the payload bytes be consumed as ordinary lines.
		p.malformed++
		return Frame{}, headerLen, false
	}

	payload := make([]byte, size)
	copy(payload, p.buf[headerLen:headerLen+size])

	f := Frame{
		Kind:    KindMsg,
		Subject: string(fields[0]),
		SID:     string(fields[1]),
		Payload: payload,
	}
	if len(fields) == 4 {
		f.ReplyTo = string(fields[2])
	}
	return f, total, true
}

func splitVerb(line []byte) (verb, rest []byte) {
	i := bytes.IndexAny(line, " \t")
	if i < 0 {
		return line, nil
	}
	return line[:i], bytes.TrimLeft(line[i+1:], " \t")
}

func equalFold(b []byte, s string) bool {
	return bytes.EqualFold(b, []byte(s))
}
