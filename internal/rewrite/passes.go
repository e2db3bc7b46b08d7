package rewrite

import (
	"io"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"golang.org/x/net/html"
)

const matchTimeout = 5 * time.Second

// Every pattern captures the referenced identifier as "val". A match is
// rewritten only when val is exactly one of the discovered ids, so ids
// sharing a prefix ("a" and "ab") never interfere.
var (
	getByIDPattern = mustCompile(`(?<lead>\bgetElementById\(\s*)(?<q>["'` + "`" + `])(?<val>(?:(?!\k<q>).)*)\k<q>`)

	querySelectorPattern = mustCompile(`(?<lead>\bquerySelector(?:All)?\(\s*)(?<q>["'` + "`" + `])#(?<val>(?:(?!\k<q>).)*)\k<q>`)

	// &#123; style character references are not selectors.
	selectorPattern = mustCompile(`(?<!&)#(?<val>-?[_\p{L}][\w-]*)`)
)

func mustCompile(expr string) *regexp2.Regexp {
	re := regexp2.MustCompile(expr, regexp2.None)
	re.MatchTimeout = matchTimeout
	return re
}

type pass struct {
	name  string
	apply func(text string, table map[string]string) (string, error)
}

var passes = []pass{
	{name: "attribute", apply: replaceAttributes},
	{name: "script", apply: replaceScriptLookups},
	{name: "selector", apply: replaceSelectors},
}

// replaceAttributes rewrites the values of id attributes in start tags.
// Script and style bodies, comments, text and other attribute values are
// copied through untouched.
func replaceAttributes(text string, table map[string]string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(text))
	var b strings.Builder
	b.Grow(len(text))
	consumed := 0
	for {
		tt := z.Next()
		raw := z.Raw()
		consumed += len(raw)
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			b.Write(raw)
			b.WriteString(text[consumed:])
			return b.String(), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			b.WriteString(replaceTagIDs(string(raw), table))
		default:
			b.Write(raw)
		}
	}
}

// replaceTagIDs scans the attributes of one raw start tag the way the
// tokenizer splits them and substitutes the value of every id attribute
// found in table. Quoting and spacing are kept as written.
func replaceTagIDs(tag string, table map[string]string) string {
	var b strings.Builder
	last := 0

	i := 1
	for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' {
		i++
	}
	for i < len(tag) {
		c := tag[i]
		if c == '>' {
			break
		}
		if isSpace(c) || c == '/' {
			i++
			continue
		}

		// A leading '=' belongs to the key.
		keyStart := i
		i++
		for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' && tag[i] != '=' {
			i++
		}
		key := tag[keyStart:i]

		j := skipSpace(tag, i)
		if j >= len(tag) || tag[j] != '=' {
			i = j
			continue
		}
		j = skipSpace(tag, j+1)

		var valStart, valEnd int
		if j < len(tag) && (tag[j] == '"' || tag[j] == '\'') {
			valStart = j + 1
			valEnd = strings.IndexByte(tag[valStart:], tag[j])
			if valEnd < 0 {
				valEnd = len(tag)
				i = valEnd
			} else {
				valEnd += valStart
				i = valEnd + 1
			}
		} else {
			valStart = j
			valEnd = j
			for valEnd < len(tag) && !isSpace(tag[valEnd]) && tag[valEnd] != '>' {
				valEnd++
			}
			i = valEnd
		}

		if !strings.EqualFold(key, "id") {
			continue
		}
		// The parser saw the unescaped value.
		if mapped, ok := table[html.UnescapeString(tag[valStart:valEnd])]; ok {
			b.WriteString(tag[last:valStart])
			b.WriteString(mapped)
			last = valEnd
		}
	}
	if last == 0 {
		return tag
	}
	b.WriteString(tag[last:])
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f'
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func replaceScriptLookups(text string, table map[string]string) (string, error) {
	var err error
	text, err = replaceQuoted(getByIDPattern, "", text, table)
	if err != nil {
		return "", err
	}
	return replaceQuoted(querySelectorPattern, "#", text, table)
}

func replaceQuoted(re *regexp2.Regexp, mark, text string, table map[string]string) (string, error) {
	return re.ReplaceFunc(text, func(m regexp2.Match) string {
		mapped, ok := table[m.GroupByName("val").String()]
		if !ok {
			return m.String()
		}
		q := m.GroupByName("q").String()
		return m.GroupByName("lead").String() + q + mark + mapped + q
	}, -1, -1)
}

func replaceSelectors(text string, table map[string]string) (string, error) {
	return selectorPattern.ReplaceFunc(text, func(m regexp2.Match) string {
		if mapped, ok := table[m.GroupByName("val").String()]; ok {
			return "#" + mapped
		}
		return m.String()
	}, -1, -1)
}
