package sniff

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Verdict is the classification of an upstream response.
type Verdict string

const (
	HTML    Verdict = "HTML"
	NotHTML Verdict = "NOT-HTML"
	Encoded Verdict = "ENCODED"
	NoBody  Verdict = "NO-BODY"
	// Unknown means the headers carry no media type; the body decides.
	Unknown Verdict = "UNKNOWN"
)

// sniffLen is the number of leading bytes inspected when the headers are
// not conclusive.
const sniffLen = 512

// peekPrefix returns up to maxSize bytes from br without consuming them.
// A short stream is not an error.
func peekPrefix(br *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		return nil, io.EOF
	}
	buf, err := br.Peek(maxSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	return buf, nil
}

// trimLeading drops a UTF-8 BOM and leading whitespace.
func trimLeading(buf []byte) []byte {
	buf = bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf"))
	return bytes.TrimLeft(buf, "\t\n\x0c\r ")
}
