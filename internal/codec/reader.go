package codec

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM drops a leading UTF-8 byte order mark, as written by Excel on Windows.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// sanitizingReader replaces invalid UTF-8 with U+FFFD while streaming.
// Multi-byte sequences split across reads are carried over to the next read.
type sanitizingReader struct {
	src     io.Reader
	in      []byte
	out     []byte
	err     error
	scratch [4096]byte
}

func newSanitizingReader(r io.Reader) *sanitizingReader {
	return &sanitizingReader{src: r}
}

func (s *sanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		n, err := s.src.Read(s.scratch[:])
		s.in = append(s.in, s.scratch[:n]...)
		s.err = err
		s.drain(err != nil)
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// drain moves complete runes from in to out. When final is false an
// incomplete trailing sequence stays in in.
func (s *sanitizingReader) drain(final bool) {
	i := 0
	for i < len(s.in) {
		b := s.in[i]
		if b < utf8.RuneSelf {
			s.out = append(s.out, b)
			i++
			continue
		}
		if !final && !utf8.FullRune(s.in[i:]) {
			break
		}
		r, size := utf8.DecodeRune(s.in[i:])
		if r == utf8.RuneError && size == 1 {
			s.out = utf8.AppendRune(s.out, utf8.RuneError)
		} else {
			s.out = append(s.out, s.in[i:i+size]...)
		}
		i += size
	}
	s.in = append(s.in[:0], s.in[i:]...)
}

// cleanText wraps r with BOM skipping and UTF-8 sanitizing.
func cleanText(r io.Reader) io.Reader {
	return newSanitizingReader(skipBOM(r))
}
