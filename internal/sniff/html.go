package sniff

import (
	"bufio"
	"mime"
	"net/http"
	"strings"
)

var htmlMediaTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
}

// Leading tags that identify a document as HTML when the upstream sends no
// Content-Type. Matched case-insensitively, followed by a space or '>'.
var htmlTags = [...]string{
	"<!doctype html",
	"<html",
	"<head",
	"<body",
	"<script",
	"<iframe",
	"<title",
	"<style",
	"<table",
	"<div",
	"<h1",
	"<p",
	"<a",
	"<b",
	"<br",
	"<font",
	"<!--",
}

type Node struct {
	next map[byte]*Node
	end  bool
}

var root *Node

func init() {
	root = &Node{next: make(map[byte]*Node)}
	for _, tag := range htmlTags {
		node := root
		for i := 0; i < len(tag); i++ {
			c := tag[i]
			if node.next[c] == nil {
				node.next[c] = &Node{next: make(map[byte]*Node)}
			}
			node = node.next[c]
		}
		node.end = true
	}
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// beginWithHTMLTag walks the tag trie over buf. A tag only counts when the
// byte after it terminates the tag name ("<a>" yes, "<abbr" no), except for
// comments which need no terminator.
func beginWithHTMLTag(buf []byte) bool {
	node := root
	for i := 0; i < len(buf); i++ {
		next, ok := node.next[lower(buf[i])]
		if !ok {
			return false
		}
		node = next
		if !node.end {
			continue
		}
		if buf[i] == '-' {
			return true
		}
		if i+1 < len(buf) && (buf[i+1] == ' ' || buf[i+1] == '>') {
			return true
		}
	}
	return false
}

// IsHTMLMediaType reports whether a Content-Type header value names an
// HTML document.
func IsHTMLMediaType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := htmlMediaTypes[mediaType]
	return ok
}

// Classify decides from the request method, the status and the response
// headers whether the response body is a rewritable HTML document.
func Classify(method string, status int, header http.Header) Verdict {
	if method == http.MethodHead || status < 200 ||
		status == http.StatusNoContent || status == http.StatusNotModified {
		return NoBody
	}
	if enc := header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return Encoded
	}
	ct := header.Get("Content-Type")
	if ct == "" {
		return Unknown
	}
	if IsHTMLMediaType(ct) {
		return HTML
	}
	return NotHTML
}

// SniffHTML peeks at the start of the body and reports whether it looks
// like HTML. Nothing is consumed from br.
func SniffHTML(br *bufio.Reader) (bool, error) {
	buf, err := peekPrefix(br, sniffLen)
	if err != nil {
		return false, err
	}
	trimmed := trimLeading(buf)
	if len(trimmed) == 0 {
		return false, nil
	}
	if beginWithHTMLTag(trimmed) {
		return true, nil
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(buf))
	if err != nil {
		return false, nil
	}
	_, ok := htmlMediaTypes[mediaType]
	return ok, nil
}
