package tse

import (
	"bytes"
	"io"
)

// Rewrite replaces every occurrence of From with To in a byte stream.
type Rewrite struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type rule struct {
	from []byte
	to   []byte
}

const rewriteChunk = 32 << 10

type rewriter struct {
	src   io.Reader
	rules []rule
	// keep is the longest pattern minus one: the tail that may still be
	// the start of a match split across reads.
	keep int

	in  []byte
	out []byte
	buf []byte
	err error
}

// NewRewriter returns a reader applying rules to src with memory bounded
// by the read chunk plus the longest pattern. Rules are tried in order at
// each position; empty patterns are ignored.
func NewRewriter(src io.Reader, rules []Rewrite) io.Reader {
	w := &rewriter{src: src, buf: make([]byte, rewriteChunk)}
	for _, rw := range rules {
		if rw.From == "" {
			continue
		}
		w.rules = append(w.rules, rule{from: []byte(rw.From), to: []byte(rw.To)})
		if len(rw.From)-1 > w.keep {
			w.keep = len(rw.From) - 1
		}
	}
	if len(w.rules) == 0 {
		return src
	}
	return w
}

func (w *rewriter) Read(p []byte) (int, error) {
	for len(w.out) == 0 {
		if w.err != nil {
			if len(w.in) > 0 {
				w.out, _ = w.apply(w.out[:0], w.in, len(w.in))
				w.in = w.in[:0]
				continue
			}
			return 0, w.err
		}

		n, err := w.src.Read(w.buf)
		w.in = append(w.in, w.buf[:n]...)
		if err != nil {
			w.err = err
			continue
		}
		if len(w.in) <= w.keep {
			continue
		}

		var consumed int
		w.out, consumed = w.apply(w.out[:0], w.in, len(w.in)-w.keep)
		rest := copy(w.in, w.in[consumed:])
		w.in = w.in[:rest]
	}

	n := copy(p, w.out)
	w.out = w.out[n:]
	return n, nil
}

// apply rewrites in[:limit] into dst. A match starting before limit always
// fits in the buffer because limit leaves keep bytes of lookahead. It
// returns how many input bytes were consumed, which may pass limit when a
// match straddles it.
func (w *rewriter) apply(dst, in []byte, limit int) ([]byte, int) {
	i := 0
	for i < limit {
		matched := false
		for _, r := range w.rules {
			if bytes.HasPrefix(in[i:], r.from) {
				dst = append(dst, r.to...)
				i += len(r.from)
				matched = true
				break
			}
		}
		if !matched {
			dst = append(dst, in[i])
			i++
		}
	}
	return dst, i
}
