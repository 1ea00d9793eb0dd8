// Package reply decodes a backend's raw answer string into an ordered list
// of typed segments.
//
// Backends embed non-text content in the answer using bracketed markers:
//
//	<text>hello</text>            literal text
//	<voice>http://x/a.wav</voice> voice clip reference (URL or path)
//	<emoji>smile</emoji>          sticker identifier
//	[clip](/files/a.mp3)          markdown audio link, also a voice reference
//
// Everything outside a well-formed marker pair is plain text. Unmatched or
// malformed markers degrade to literal text rather than erroring.
package reply

import (
	"path"
	"regexp"
	"strings"
)

// Kind identifies the type of a reply segment.
type Kind int

const (
	Text Kind = iota
	Voice
	Sticker
)

// String returns the segment kind name for logging.
func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Voice:
		return "voice"
	case Sticker:
		return "sticker"
	}
	return "unknown"
}

// Segment is one typed unit of a backend answer, consumed once by the
// output dispatcher in answer order.
type Segment struct {
	Kind    Kind
	Payload string
}

// markerRe matches the recognized marker forms. Group layout:
//
//	1: <text> body    2: <voice> body    3: <emoji> body
//	4: markdown label 5: markdown target
var markerRe = regexp.MustCompile(`(?s)<text>(.*?)</text>|<voice>(.*?)</voice>|<emoji>(.*?)</emoji>|\[([^\]\n]*)\]\(([^)\n]+)\)`)

// Decode scans raw for marker pairs and returns the ordered segments.
// An empty answer decodes to nil; an answer with no markers is a single
// Text segment.
func Decode(raw string) []Segment {
	if raw == "" {
		return nil
	}

	matches := markerRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return []Segment{{Kind: Text, Payload: raw}}
	}

	var segments []Segment
	appendText := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			segments = append(segments, Segment{Kind: Text, Payload: s})
		}
	}

	pos := 0
	for _, m := range matches {
		appendText(raw[pos:m[0]])
		pos = m[1]

		switch {
		case m[2] >= 0: // <text>
			appendText(raw[m[2]:m[3]])
		case m[4] >= 0: // <voice>
			if ref := strings.TrimSpace(raw[m[4]:m[5]]); ref != "" {
				segments = append(segments, Segment{Kind: Voice, Payload: ref})
			}
		case m[6] >= 0: // <emoji>
			if id := stickerID(raw[m[6]:m[7]]); id != "" {
				segments = append(segments, Segment{Kind: Sticker, Payload: id})
			}
		case m[10] >= 0: // [label](target)
			if ref := strings.TrimSpace(raw[m[10]:m[11]]); ref != "" {
				segments = append(segments, Segment{Kind: Voice, Payload: ref})
			}
		}
	}
	appendText(raw[pos:])

	return segments
}

// stickerID normalizes a sticker reference to its bare identifier:
// any directory prefix and file extension are stripped.
func stickerID(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	base := path.Base(ref)
	return strings.TrimSuffix(base, path.Ext(base))
}
