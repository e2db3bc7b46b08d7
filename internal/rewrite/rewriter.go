package rewrite

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/sunbk201/idmask/internal/idmap"
)

// Result is the outcome of a successful Rewrite.
type Result struct {
	Body []byte
	// IDs is the number of distinct element ids found in the document.
	IDs int
}

// Rewriter replaces element ids in HTML documents and keeps script and
// stylesheet references to them consistent.
type Rewriter struct {
	mapper idmap.Mapper
}

// New returns a Rewriter that draws replacements from mapper.
func New(mapper idmap.Mapper) *Rewriter {
	return &Rewriter{mapper: mapper}
}

// Rewrite parses doc, collects every element id in document order and
// rewrites the serialized text in place: the id attributes themselves,
// getElementById / querySelector lookups, and #id selectors. Text that is
// not an exact reference to a discovered id is left byte-for-byte intact.
//
// On failure no partial output is returned; the caller keeps doc.
func (r *Rewriter) Rewrite(doc []byte) (Result, error) {
	ids, err := collectIDs(doc)
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{Body: doc}, nil
	}

	table := make(map[string]string, len(ids))
	for _, id := range ids {
		table[id] = r.mapper.GetOrCreate(id)
	}

	text := string(doc)
	for _, p := range passes {
		text, err = p.apply(text, table)
		if err != nil {
			return Result{}, &RewriteError{Op: p.name, Err: err}
		}
	}
	return Result{Body: []byte(text), IDs: len(ids)}, nil
}

// collectIDs returns the distinct non-empty id attribute values of doc in
// order of first appearance.
func collectIDs(doc []byte) ([]string, error) {
	if !utf8.Valid(doc) {
		return nil, &RewriteError{Op: "parse", Err: ErrInvalidUTF8}
	}
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, &RewriteError{Op: "parse", Err: fmt.Errorf("html.Parse: %w", err)}
	}

	var (
		ids  []string
		seen = make(map[string]struct{})
		walk func(*html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Namespace != "" || a.Key != "id" || a.Val == "" {
					continue
				}
				if _, ok := seen[a.Val]; !ok {
					seen[a.Val] = struct{}{}
					ids = append(ids, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return ids, nil
}
