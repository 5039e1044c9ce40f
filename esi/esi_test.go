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

package esi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// render replays a program against the body it was parsed from, resolving
// includes through fn.
func render(p *Program, body []byte, fn func(host, url string) string) string {
	var out []byte
	for _, seg := range p.Segs {
		switch seg.Kind {
		case SegVerbatim:
			out = append(out, body[seg.Off:seg.Off+seg.Len]...)
		case SegInclude:
			out = append(out, fn(seg.Host, seg.URL)...)
		}
	}
	return string(out)
}

func child(host, url string) string { return "X" }

func TestSimpleInclude(t *testing.T) {
	body := []byte(`A<esi:include src="/child"/>B`)
	p := Parse(body, "h", "/parent")
	require.Equal(t, 1, p.Includes())
	assert.Equal(t, "AXB", render(p, body, child))

	inc := p.Segs[1]
	assert.Equal(t, SegInclude, inc.Kind)
	assert.Equal(t, "h", inc.Host)
	assert.Equal(t, "/child", inc.URL)
}

func TestIncludeVariants(t *testing.T) {
	// Unquoted, single-quoted, explicit close tag, absolute and
	// directory-relative targets.
	cases := []struct {
		body  string
		host  string
		url   string
		after string
	}{
		{`<esi:include src=/a/>`, "h", "/a", ""},
		{`<esi:include src='/b'></esi:include>rest`, "h", "/b", "rest"},
		{`<esi:include src="http://other/x"/>`, "other", "/x", ""},
		{`<esi:include src="leaf"/>`, "h", "/dir/leaf", ""},
		{`<esi:include src="http://bare"/>`, "bare", "/", ""},
	}
	for _, c := range cases {
		p := Parse([]byte(c.body), "h", "/dir/page")
		require.Equal(t, 1, p.Includes(), c.body)
		var inc Segment
		for _, s := range p.Segs {
			if s.Kind == SegInclude {
				inc = s
			}
		}
		assert.Equal(t, c.host, inc.Host, c.body)
		assert.Equal(t, c.url, inc.URL, c.body)
		assert.Equal(t, c.after, render(p, []byte(c.body), func(string, string) string { return "" }), c.body)
	}
}

func TestRemove(t *testing.T) {
	body := []byte(`keep<esi:remove>drop this</esi:remove>also`)
	p := Parse(body, "h", "/")
	assert.Equal(t, "keepalso", render(p, body, child))
}

func TestCommentBlock(t *testing.T) {
	body := []byte(`A<!--esi B<esi:include src="/c"/>C-->D`)
	p := Parse(body, "h", "/")
	require.Equal(t, 1, p.Includes())
	assert.Equal(t, "A BXCD", render(p, body, child))
}

func TestCDATAPassesThrough(t *testing.T) {
	body := []byte(`A<![CDATA[<esi:include src="/no"/>]]>B`)
	p := Parse(body, "h", "/")
	assert.Equal(t, 0, p.Includes())
	assert.Equal(t, string(body), render(p, body, child))
}

func TestMalformedIsVerbatim(t *testing.T) {
	// No src attribute: shipped as text.
	body := []byte(`A<esi:include href="/x"/>B`)
	p := Parse(body, "h", "/")
	assert.Equal(t, 0, p.Includes())
	assert.Equal(t, string(body), render(p, body, child))

	// Unknown esi element: shipped as text.
	body = []byte(`A<esi:choose>B`)
	p = Parse(body, "h", "/")
	assert.Equal(t, string(body), render(p, body, child))
}

func TestPlainBodySingleSegment(t *testing.T) {
	body := []byte("no esi here at all")
	p := Parse(body, "h", "/")
	require.Len(t, p.Segs, 1)
	assert.Equal(t, SegVerbatim, p.Segs[0].Kind)
	assert.Equal(t, string(body), render(p, body, child))
}
