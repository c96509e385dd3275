// Package email parses email files, groups them into subject threads and
// renders thread text blocks for batching. Attachment payloads are indexed
// by name, content type and size but never embedded.
package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SizeUnknown marks an attachment whose payload size could not be determined.
const SizeUnknown int64 = -1

// Attachment is index metadata for one attachment. Payload bytes are never
// carried.
type Attachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
}

// Message is the parsed form of one email file.
type Message struct {
	Source      string
	Group       string
	Seq         int // discovery order, tie-break for identical timestamps
	Subject     string
	From        string
	To          string
	Cc          string
	RawDate     string
	Date        time.Time
	DateValid   bool
	Body        string
	Attachments []Attachment
}

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// ParseFile parses one email file into a Message. RFC 5322 (.eml) content is
// handled in-process; Outlook OLE containers (.msg) have no parser in this
// module and return an error so the file is tracked as failed rather than
// silently skipped.
func ParseFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read email file %s: %w", path, err)
	}
	if bytes.HasPrefix(data, oleMagic) {
		return nil, fmt.Errorf("parse %s: outlook .msg container requires an external parser", filepath.Base(path))
	}
	return Parse(path, data)
}

// Parse parses raw RFC 5322 message bytes.
func Parse(path string, data []byte) (*Message, error) {
	parsed, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	msg := &Message{
		Source:  path,
		Subject: decodeHeader(parsed.Header.Get("Subject")),
		From:    decodeHeader(parsed.Header.Get("From")),
		To:      decodeHeader(parsed.Header.Get("To")),
		Cc:      decodeHeader(parsed.Header.Get("Cc")),
		RawDate: parsed.Header.Get("Date"),
	}
	if ts, err := parsed.Header.Date(); err == nil {
		msg.Date = ts.UTC()
		msg.DateValid = true
	}

	body, attachments := extractContent(parsed.Header, parsed.Body)
	msg.Body = body
	msg.Attachments = attachments
	return msg, nil
}

func decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoder := mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

type headerReader interface {
	Get(key string) string
}

// extractContent walks the MIME structure collecting the preferred text body
// (plain over HTML) and the attachment index.
func extractContent(header headerReader, body io.Reader) (string, []Attachment) {
	contentType := header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		text := decodeTransfer(body, header.Get("Content-Transfer-Encoding"))
		return text, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", nil
	}

	var plain, html string
	var attachments []Attachment
	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		filename := part.FileName()

		if filename != "" || disposition == "attachment" {
			size := SizeUnknown
			if payload, err := io.ReadAll(decodedReader(part, part.Header.Get("Content-Transfer-Encoding"))); err == nil {
				size = int64(len(payload))
			}
			if filename == "" {
				filename = "unnamed_attachment"
			}
			attachments = append(attachments, Attachment{
				Filename:    filename,
				ContentType: partType,
				SizeBytes:   size,
			})
			continue
		}

		switch {
		case strings.HasPrefix(partType, "multipart/"):
			nested, nestedAtts := extractContent(partHeader{part.Header}, part)
			if plain == "" {
				plain = nested
			}
			attachments = append(attachments, nestedAtts...)
		case partType == "text/plain" && plain == "":
			plain = decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding"))
		case partType == "text/html" && html == "":
			html = decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding"))
		}
	}

	if plain != "" {
		return plain, attachments
	}
	return html, attachments
}

type partHeader struct {
	h map[string][]string
}

func (p partHeader) Get(key string) string {
	if values := p.h[key]; len(values) > 0 {
		return values[0]
	}
	// MIME headers are canonicalized; fall back through textproto form.
	for name, values := range p.h {
		if strings.EqualFold(name, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func decodedReader(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func decodeTransfer(r io.Reader, encoding string) string {
	data, err := io.ReadAll(decodedReader(r, encoding))
	if err != nil && len(data) == 0 {
		return ""
	}
	return string(data)
}
