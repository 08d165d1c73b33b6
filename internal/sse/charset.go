package sse

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// NewReader returns a reader yielding UTF-8 for a body served with the
// given Content-Type.
//
// Event streams are UTF-8 by definition, so UTF-8, a missing charset and an
// unknown charset all return body unchanged. Any other registered charset is
// transcoded; the transformer holds back an incomplete trailing sequence
// until the bytes completing it arrive.
func NewReader(body io.Reader, contentType string) io.Reader {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	charset := strings.TrimSpace(params["charset"])
	if charset == "" {
		return body
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return body
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return body
	}
	return transform.NewReader(body, enc.NewDecoder())
}
