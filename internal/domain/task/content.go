package task

import (
	"slices"
	"strings"

	"github.com/Strob0t/switchboard/internal/domain"
)

// Part kinds on the wire.
const (
	PartText = "text"
	PartFile = "file"
	PartData = "data"
)

// Part is one piece of message or artifact content.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent carries inline bytes or a URI reference.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is a single conversational turn.
type Message struct {
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Artifact is an output produced by the remote agent.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Append      bool           `json:"append,omitempty"`
	LastChunk   bool           `json:"lastChunk,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DefaultContentTypes is the agreement used when neither side declares one.
var DefaultContentTypes = ContentTypes{Input: []string{"text"}, Output: []string{"text"}}

var (
	textTypes = []string{"text", "text/plain"}
	dataTypes = []string{"data", "application/json"}
)

// Negotiate derives the content-type agreement between what the caller
// wants and what the agent card declares. An empty list on either side is
// compatible with anything; otherwise the sides must overlap.
func Negotiate(want ContentTypes, agentIn, agentOut []string) (ContentTypes, error) {
	in, ok := intersect(want.Input, agentIn)
	if !ok {
		return ContentTypes{}, domain.Errorf(domain.KindContentTypeUnsupported,
			"agent accepts %v, caller sends %v", agentIn, want.Input)
	}
	out, ok := intersect(want.Output, agentOut)
	if !ok {
		return ContentTypes{}, domain.Errorf(domain.KindContentTypeUnsupported,
			"agent produces %v, caller accepts %v", agentOut, want.Output)
	}
	if len(in) == 0 {
		in = DefaultContentTypes.Input
	}
	if len(out) == 0 {
		out = DefaultContentTypes.Output
	}
	return ContentTypes{Input: in, Output: out}, nil
}

func intersect(a, b []string) ([]string, bool) {
	switch {
	case len(a) == 0:
		return slices.Clone(b), true
	case len(b) == 0:
		return slices.Clone(a), true
	}
	var out []string
	for _, x := range a {
		if slices.ContainsFunc(b, func(y string) bool { return sameType(x, y) }) {
			out = append(out, x)
		}
	}
	return out, len(out) > 0
}

// sameType compares content types treating "text" and "text/plain" as equal
// and honoring "major/*" wildcards.
func sameType(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	if slices.Contains(textTypes, a) && slices.Contains(textTypes, b) {
		return true
	}
	if slices.Contains(dataTypes, a) && slices.Contains(dataTypes, b) {
		return true
	}
	return wildcard(a, b) || wildcard(b, a)
}

func wildcard(pattern, v string) bool {
	major, ok := strings.CutSuffix(pattern, "/*")
	return ok && strings.HasPrefix(v, major+"/")
}

// AcceptsPart reports whether a response part fits the output agreement.
func (ct ContentTypes) AcceptsPart(p Part) bool {
	out := ct.Output
	if len(out) == 0 {
		out = DefaultContentTypes.Output
	}
	match := func(want string) bool {
		return slices.ContainsFunc(out, func(o string) bool { return sameType(o, want) })
	}
	switch p.Type {
	case PartText:
		return match("text")
	case PartData:
		return match("data")
	case PartFile:
		if match("file") {
			return true
		}
		return p.File != nil && p.File.MimeType != "" && match(p.File.MimeType)
	default:
		return false
	}
}

// CheckParts returns MalformedResponse for the first part outside the agreement.
func (ct ContentTypes) CheckParts(parts []Part) error {
	for i, p := range parts {
		if !ct.AcceptsPart(p) {
			return domain.Errorf(domain.KindMalformedResponse,
				"part %d has type %q outside agreed output %v", i, p.Type, ct.Output)
		}
	}
	return nil
}
