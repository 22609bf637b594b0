package legacy

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dkeye/VoiceClient/internal/core"
)

// Every message on the control socket is one XML element followed by
// frameDelimiter.
const frameDelimiter = "\n\n\n"

const maxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// Field is one request element; Children nest.
type Field struct {
	Name     string
	Value    string
	Children []Field
}

func el(name, value string) Field { return Field{Name: name, Value: value} }

func group(name string, children ...Field) Field {
	return Field{Name: name, Children: children}
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type Request struct {
	ID     string
	Action string
	Fields []Field
}

// Encode renders the request with its trailing delimiter.
func (r Request) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(`<Request requestId="`)
	_ = xml.EscapeText(&b, []byte(r.ID))
	b.WriteString(`" action="`)
	_ = xml.EscapeText(&b, []byte(r.Action))
	b.WriteString(`">`)
	for _, f := range r.Fields {
		writeField(&b, f)
	}
	b.WriteString("</Request>")
	b.WriteString(frameDelimiter)
	return b.Bytes()
}

func writeField(b *bytes.Buffer, f Field) {
	b.WriteByte('<')
	b.WriteString(f.Name)
	b.WriteByte('>')
	if len(f.Children) > 0 {
		for _, c := range f.Children {
			writeField(b, c)
		}
	} else {
		_ = xml.EscapeText(b, []byte(f.Value))
	}
	b.WriteString("</")
	b.WriteString(f.Name)
	b.WriteByte('>')
}

type MessageKind int

const (
	KindResponse MessageKind = iota
	KindEvent
)

// Message is a parsed response or event. Leaf elements are flattened by
// local name in document order; the echoed InputXml block is skipped.
type Message struct {
	Kind      MessageKind
	RequestID string
	Action    string
	Type      string
	Fields    map[string][]string
}

func (m Message) Get(name string) string {
	if v := m.Fields[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (m Message) All(name string) []string { return m.Fields[name] }

func (m Message) Int(name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(m.Get(name)))
	if err != nil {
		return 0
	}
	return n
}

func (m Message) Float(name string) float32 {
	f, err := strconv.ParseFloat(strings.TrimSpace(m.Get(name)), 32)
	if err != nil {
		return 0
	}
	return float32(f)
}

func (m Message) Bool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(m.Get(name))) {
	case "1", "true":
		return true
	}
	return false
}

// Succeeded applies the daemon's convention: ReturnCode 0 and StatusCode 0.
func (m Message) Succeeded() bool {
	return m.Int("ReturnCode") == 0 && m.Int("StatusCode") == 0
}

// FrameParser reassembles frames across reads.
type FrameParser struct {
	buf []byte
}

// Feed appends data and returns every complete message. On a malformed
// frame it returns the messages parsed before it together with the error.
func (p *FrameParser) Feed(data []byte) ([]Message, error) {
	p.buf = append(p.buf, data...)
	var out []Message
	for {
		i := bytes.Index(p.buf, []byte(frameDelimiter))
		if i < 0 {
			break
		}
		frame := bytes.TrimSpace(p.buf[:i])
		p.buf = p.buf[i+len(frameDelimiter):]
		if len(frame) == 0 {
			continue
		}
		msg, err := parseFrame(frame)
		if err != nil {
			p.buf = nil
			return out, err
		}
		out = append(out, msg)
	}
	if len(p.buf) > maxFrameSize {
		p.buf = nil
		return out, ErrFrameTooLarge
	}
	return out, nil
}

// Buffered is the size of the incomplete tail.
func (p *FrameParser) Buffered() int { return len(p.buf) }

func parseFrame(frame []byte) (Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	msg := Message{Fields: make(map[string][]string)}

	var (
		root  string
		depth int
		skip  int
		text  strings.Builder
		leaf  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if skip > 0 {
				skip++
				continue
			}
			if depth == 1 {
				root = t.Name.Local
				switch root {
				case "Response":
					msg.Kind = KindResponse
				case "Event":
					msg.Kind = KindEvent
				default:
					return Message{}, fmt.Errorf("%w: unexpected root %q", core.ErrMalformedFrame, root)
				}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "requestId":
						msg.RequestID = a.Value
					case "action":
						msg.Action = a.Value
					case "type":
						msg.Type = a.Value
					}
				}
				continue
			}
			if t.Name.Local == "InputXml" {
				skip = 1
				continue
			}
			text.Reset()
			leaf = true
		case xml.EndElement:
			depth--
			if skip > 0 {
				skip--
				continue
			}
			if depth == 0 {
				continue
			}
			if leaf {
				msg.Fields[t.Name.Local] = append(msg.Fields[t.Name.Local], strings.TrimSpace(text.String()))
			}
			leaf = false
		case xml.CharData:
			if skip == 0 && leaf {
				text.Write(t)
			}
		}
	}
	if root == "" || depth != 0 {
		return Message{}, fmt.Errorf("%w: incomplete element", core.ErrMalformedFrame)
	}
	return msg, nil
}
