package chat

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkExtractor splits a streamed delta sequence into visible content and
// <think> spans. Tags may arrive split across deltas, so a possible partial
// tag at the end of the buffer is held back until the next delta decides it.
type thinkExtractor struct {
	inThink bool
	buf     string
}

// feed consumes one delta and returns the content and thinking text that
// became unambiguous with it.
func (x *thinkExtractor) feed(delta string) (content, thinking string) {
	x.buf += delta

	for {
		if x.inThink {
			if i := strings.Index(x.buf, thinkClose); i >= 0 {
				thinking += x.buf[:i]
				x.buf = x.buf[i+len(thinkClose):]
				x.inThink = false
				continue
			}
			hold := partialTagSuffix(x.buf, thinkClose)
			thinking += x.buf[:len(x.buf)-hold]
			x.buf = x.buf[len(x.buf)-hold:]
			return
		}

		if i := strings.Index(x.buf, thinkOpen); i >= 0 {
			content += x.buf[:i]
			x.buf = x.buf[i+len(thinkOpen):]
			x.inThink = true
			continue
		}
		hold := partialTagSuffix(x.buf, thinkOpen)
		content += x.buf[:len(x.buf)-hold]
		x.buf = x.buf[len(x.buf)-hold:]
		return
	}
}

// flush drains whatever is still buffered at stream end. An unterminated
// think span stays thinking; a held-back partial tag turns out to be text.
func (x *thinkExtractor) flush() (content, thinking string) {
	if x.inThink {
		thinking = x.buf
	} else {
		content = x.buf
	}
	x.buf = ""
	x.inThink = false
	return
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
