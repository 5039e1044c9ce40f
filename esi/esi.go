// Copyright 2025 The go-lagoon Authors
// This file is part of the go-lagoon library.
//
// The go-lagoon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-lagoon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-lagoon library. If not, see <http://www.gnu.org/licenses/>.

// Package esi parses Edge-Side-Includes constructs out of fetched bodies
// and compiles them into a program the deliverer replays: an ordered list
// of verbatim byte spans and include directives.
//
// Recognized constructs: <esi:include src="..."/>, <esi:remove> ...
// </esi:remove>, <!--esi ... --> and CDATA sections. Anything malformed is
// logged and shipped as verbatim text; template expansion must never turn
// a deliverable object into an error.
package esi

import (
	"bytes"
	"strings"

	"github.com/lagoon-cache/go-lagoon/log"
)

// SegKind discriminates program segments.
type SegKind int

const (
	SegVerbatim SegKind = iota
	SegInclude
)

// Segment is one program step: either a span [Off, Off+Len) of the stored
// body, or a sub-request for Host/URL.
type Segment struct {
	Kind SegKind
	Off  int64
	Len  int64
	Host string
	URL  string
}

// Program is the compiled ESI template.
type Program struct {
	Segs []Segment
}

// Includes counts the include segments.
func (p *Program) Includes() int {
	n := 0
	for _, s := range p.Segs {
		if s.Kind == SegInclude {
			n++
		}
	}
	return n
}

// Parse compiles body. baseHost and baseURL come from the backend request
// that fetched the object; relative include targets resolve against them,
// not against the client's URL.
func Parse(body []byte, baseHost, baseURL string) *Program {
	p := &parser{body: body, baseHost: baseHost, baseURL: baseURL}
	p.run()
	return &Program{Segs: p.segs}
}

type parser struct {
	body     []byte
	baseHost string
	baseURL  string

	segs     []Segment
	segStart int // start of the open verbatim span
	pos      int
}

func (p *parser) run() {
	for p.pos < len(p.body) {
		lt := bytes.IndexByte(p.body[p.pos:], '<')
		if lt < 0 {
			break
		}
		p.pos += lt
		switch {
		case p.lookingAt("<esi:include"):
			p.doInclude()
		case p.lookingAt("<esi:remove"):
			p.doRemove()
		case p.lookingAt("</esi:remove>"):
			// Stray close tag, drop it.
			p.closeVerbatim(p.pos)
			p.skip(len("</esi:remove>"))
		case p.lookingAt("<esi:"):
			log.Warn("Unknown esi construct treated as text", "at", p.pos)
			p.pos++
		case p.lookingAt("<!--esi"):
			p.closeVerbatim(p.pos)
			p.skip(len("<!--esi"))
			p.doComment()
		case p.lookingAt("<![CDATA["):
			end := bytes.Index(p.body[p.pos:], []byte("]]>"))
			if end < 0 {
				p.pos = len(p.body)
			} else {
				p.pos += end + 3
			}
		default:
			p.pos++
		}
	}
	p.closeVerbatim(len(p.body))
}

// lookingAt matches a token at the cursor, ASCII case-insensitive.
func (p *parser) lookingAt(tok string) bool {
	if p.pos+len(tok) > len(p.body) {
		return false
	}
	have := p.body[p.pos : p.pos+len(tok)]
	for i := 0; i < len(tok); i++ {
		c := have[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != tok[i] {
			return false
		}
	}
	return true
}

// closeVerbatim emits the open span up to end and opens a new one there.
func (p *parser) closeVerbatim(end int) {
	if end > p.segStart {
		p.segs = append(p.segs, Segment{
			Kind: SegVerbatim,
			Off:  int64(p.segStart),
			Len:  int64(end - p.segStart),
		})
	}
	p.segStart = end
}

// skip advances the cursor and excludes the skipped bytes from verbatim
// output.
func (p *parser) skip(n int) {
	p.pos += n
	p.segStart = p.pos
}

func (p *parser) doInclude() {
	tagStart := p.pos
	gt := bytes.IndexByte(p.body[p.pos:], '>')
	if gt < 0 {
		log.Warn("Unterminated esi:include treated as text", "at", tagStart)
		p.pos = len(p.body)
		return
	}
	tag := string(p.body[p.pos : p.pos+gt+1])
	src, ok := attr(tag, "src")
	if !ok {
		log.Warn("esi:include without src treated as text", "at", tagStart)
		p.pos += gt + 1
		return
	}
	p.closeVerbatim(tagStart)
	p.skip(gt + 1)
	// A non-empty element may carry a redundant close tag.
	if p.lookingAt("</esi:include>") {
		p.skip(len("</esi:include>"))
	}
	host, url := p.resolve(src)
	p.segs = append(p.segs, Segment{Kind: SegInclude, Host: host, URL: url})
}

func (p *parser) doRemove() {
	tagStart := p.pos
	end := indexFold(p.body[p.pos:], "</esi:remove>")
	if end < 0 {
		log.Warn("Unterminated esi:remove treated as text", "at", tagStart)
		p.pos++
		return
	}
	p.closeVerbatim(tagStart)
	p.skip(end + len("</esi:remove>"))
}

// doComment drops the closing marker of an <!--esi block. Its contents stay
// text, except that esi:include and esi:remove elements inside are processed.
func (p *parser) doComment() {
	end := bytes.Index(p.body[p.pos:], []byte("-->"))
	if end < 0 {
		return
	}
	// Scan only up to the marker; other constructs inside the comment
	// are left as text.
	stop := p.pos + end
	for p.pos < stop {
		lt := bytes.IndexByte(p.body[p.pos:stop], '<')
		if lt < 0 {
			break
		}
		p.pos += lt
		switch {
		case p.lookingAt("<esi:include"):
			p.doInclude()
		case p.lookingAt("<esi:remove"):
			p.doRemove()
		default:
			p.pos++
		}
	}
	p.closeVerbatim(stop)
	p.pos = stop
	p.skip(3)
}

// resolve turns a src attribute into (host, url) against the backend
// request base.
func (p *parser) resolve(src string) (string, string) {
	if strings.HasPrefix(src, "http://") {
		rest := src[len("http://"):]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return rest, "/"
		}
		return rest[:slash], rest[slash:]
	}
	if strings.HasPrefix(src, "/") {
		return p.baseHost, src
	}
	// Relative to the directory of the base URL.
	base := p.baseURL
	if q := strings.IndexByte(base, '?'); q >= 0 {
		base = base[:q]
	}
	dir := base[:strings.LastIndexByte(base, '/')+1]
	if dir == "" {
		dir = "/"
	}
	return p.baseHost, dir + src
}

// attr extracts a quoted attribute value from a tag.
func attr(tag, name string) (string, bool) {
	low := strings.ToLower(tag)
	i := strings.Index(low, name+"=")
	if i < 0 {
		return "", false
	}
	rest := tag[i+len(name)+1:]
	if len(rest) == 0 {
		return "", false
	}
	switch rest[0] {
	case '"', '\'':
		q := rest[0]
		end := strings.IndexByte(rest[1:], q)
		if end < 0 {
			return "", false
		}
		return rest[1 : 1+end], true
	default:
		end := strings.IndexAny(rest, " \t\r\n>")
		if end < 0 {
			return rest, true
		}
		val := rest[:end]
		// A self-closing tag donates its slash to an unquoted value.
		if rest[end] == '>' && strings.HasSuffix(val, "/") {
			val = val[:len(val)-1]
		}
		return val, true
	}
}

func indexFold(b []byte, tok string) int {
	for i := 0; i+len(tok) <= len(b); i++ {
		match := true
		for j := 0; j < len(tok); j++ {
			c := b[i+j]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != tok[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
