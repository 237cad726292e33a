package guard

import (
	"bytes"
	"encoding/xml"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// maxErrorBody caps how much of a server error body is read.
const maxErrorBody = 8 << 10

// readErrorBody reads up to maxErrorBody bytes of resp's body, decoded to
// UTF-8 according to the response charset.
func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil && len(raw) == 0 {
		return ""
	}
	return decodeCharset(raw, resp.Header.Get("Content-Type"))
}

func decodeCharset(raw []byte, contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
			if enc, err := htmlindex.Get(cs); err == nil {
				if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
					return string(decoded)
				}
			}
		}
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// usefulDetail returns body when it is worth showing to a user, or "" when
// it is empty, an HTML page, or an XML payload. Both of the latter are
// server diagnostics that mean nothing to the person editing the document.
func usefulDetail(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || looksLikeHTML(trimmed) || looksLikeXML(trimmed) {
		return ""
	}
	return trimmed
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<body") && strings.Contains(lower, "</body")
}

func looksLikeXML(s string) bool {
	if strings.HasPrefix(s, "<?xml") {
		return true
	}
	dec := xml.NewDecoder(strings.NewReader(s))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return true
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return false
			}
		}
	}
}
