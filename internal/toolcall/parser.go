// Package toolcall extracts structured tool invocations from model-generated
// text. The wire grammar is a fixed <sktool> envelope wrapping one inner tag
// whose name is the tool identifier, with parameter sub-tags nested inside:
//
//	<sktool><generate_system_note><message>hi</message></generate_system_note></sktool>
//
// Extraction is tolerant by contract: malformed or incomplete envelopes are
// skipped with a diagnostic log line, never surfaced as errors.
package toolcall

import (
	"io"
	"log"
	"strconv"
	"strings"
)

const (
	envelopeOpen  = "<sktool>"
	envelopeClose = "</sktool>"

	ParamMessage        = "message"
	ParamExpirationDays = "expirationDays"

	// DefaultExpirationDays applies when an expirationDays tag is present
	// but does not parse as an integer.
	DefaultExpirationDays = 7
)

type ValueKind int

const (
	StringValue ValueKind = iota
	IntValue
)

type Value struct {
	Kind ValueKind
	Str  string
	Int  int
}

func String(s string) Value {
	return Value{Kind: StringValue, Str: s}
}

func Int(n int) Value {
	return Value{Kind: IntValue, Int: n}
}

func (v Value) Display() string {
	if v.Kind == IntValue {
		return strconv.Itoa(v.Int)
	}
	return v.Str
}

// Param is one named argument. Params keep their source order because the
// formatted result string later renders them in supply order.
type Param struct {
	Name  string
	Value Value
}

type Call struct {
	ToolID string
	Params []Param
	// RawSource is the exact matched envelope span. It round-trips
	// bit-for-bit so a call can be re-emitted for diagnostics.
	RawSource string
}

func (c Call) Param(name string) (Value, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return Value{}, false
}

type paramTag struct {
	name string
	kind ValueKind
}

// knownParams are the recognized parameter sub-tags; anything else inside an
// envelope is ignored.
var knownParams = []paramTag{
	{name: ParamMessage, kind: StringValue},
	{name: ParamExpirationDays, kind: IntValue},
}

type Parser struct {
	logger *log.Logger
}

func NewParser(logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Parser{logger: logger}
}

// Extract scans text for tool-call envelopes and returns the calls in source
// order. It never fails: any input, including the empty string, yields a
// (possibly empty) slice. Envelope matching is non-greedy, so an opening
// delimiter nested inside an envelope is treated as plain content and
// scanning resumes after each closing delimiter.
func (p *Parser) Extract(text string) []Call {
	calls := make([]Call, 0, 2)
	pos := 0
	for {
		rel := strings.Index(text[pos:], envelopeOpen)
		if rel < 0 {
			return calls
		}
		open := pos + rel
		innerStart := open + len(envelopeOpen)
		closeRel := strings.Index(text[innerStart:], envelopeClose)
		if closeRel < 0 {
			p.logger.Printf("toolcall skip unterminated envelope at=%d", open)
			return calls
		}
		innerEnd := innerStart + closeRel
		raw := text[open : innerEnd+len(envelopeClose)]
		if call, ok := p.parseEnvelope(text[innerStart:innerEnd], raw); ok {
			calls = append(calls, call)
		}
		pos = innerEnd + len(envelopeClose)
	}
}

func (p *Parser) parseEnvelope(inner, raw string) (Call, bool) {
	toolID, ok := firstTagName(inner)
	if !ok {
		p.logger.Printf("toolcall skip envelope without tool tag span=%q", truncateForLog(raw))
		return Call{}, false
	}

	call := Call{ToolID: toolID, RawSource: raw}
	for _, occ := range paramOccurrences(inner) {
		value := strings.TrimSpace(occ.raw)
		switch occ.tag.kind {
		case IntValue:
			n, err := strconv.Atoi(value)
			if err != nil {
				p.logger.Printf("toolcall param %s=%q not an integer, using default %d", occ.tag.name, value, DefaultExpirationDays)
				n = DefaultExpirationDays
			}
			call.setParam(occ.tag.name, Int(n))
		default:
			call.setParam(occ.tag.name, String(value))
		}
	}
	return call, true
}

// setParam keeps the position of the first occurrence and overwrites the
// value, so duplicate tags are last-one-wins without reordering.
func (c *Call) setParam(name string, value Value) {
	for i, p := range c.Params {
		if p.Name == name {
			c.Params[i].Value = value
			return
		}
	}
	c.Params = append(c.Params, Param{Name: name, Value: value})
}

type occurrence struct {
	at  int
	tag paramTag
	raw string
}

// paramOccurrences finds every well-formed known parameter tag inside an
// envelope body, in source order.
func paramOccurrences(inner string) []occurrence {
	occs := make([]occurrence, 0, 2)
	for _, tag := range knownParams {
		openTag := "<" + tag.name + ">"
		closeTag := "</" + tag.name + ">"
		pos := 0
		for {
			rel := strings.Index(inner[pos:], openTag)
			if rel < 0 {
				break
			}
			start := pos + rel + len(openTag)
			closeRel := strings.Index(inner[start:], closeTag)
			if closeRel < 0 {
				break
			}
			occs = append(occs, occurrence{
				at:  pos + rel,
				tag: tag,
				raw: inner[start : start+closeRel],
			})
			pos = start + closeRel + len(closeTag)
		}
	}
	sortOccurrences(occs)
	return occs
}

func sortOccurrences(occs []occurrence) {
	// Insertion sort keeps the later of two same-name occurrences later,
	// which setParam relies on for last-one-wins.
	for i := 1; i < len(occs); i++ {
		for j := i; j > 0 && occs[j-1].at > occs[j].at; j-- {
			occs[j-1], occs[j] = occs[j], occs[j-1]
		}
	}
}

// firstTagName returns the name of the first opening tag in s. A tag name is
// one or more name characters immediately followed by '>'; closing tags and
// anything with attributes do not qualify.
func firstTagName(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			continue
		}
		j := i + 1
		if j < len(s) && s[j] == '/' {
			continue
		}
		start := j
		for j < len(s) && isNameChar(s[j]) {
			j++
		}
		if j > start && j < len(s) && s[j] == '>' {
			return s[start:j], true
		}
	}
	return "", false
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
