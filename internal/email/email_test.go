package email

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleEML = "From: sender@example.com\r\n" +
	"To: receiver@example.com\r\n" +
	"Cc: watcher@example.com\r\n" +
	"Subject: Release Plan\r\n" +
	"Date: Mon, 1 Jan 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Body text line one.\r\n"

func TestParseSimpleEML(t *testing.T) {
	msg, err := Parse("simple.eml", []byte(simpleEML))
	require.NoError(t, err)

	assert.Equal(t, "Release Plan", msg.Subject)
	assert.Equal(t, "sender@example.com", msg.From)
	assert.Equal(t, "receiver@example.com", msg.To)
	assert.Equal(t, "watcher@example.com", msg.Cc)
	assert.True(t, msg.DateValid)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), msg.Date)
	assert.Contains(t, msg.Body, "Body text line one.")
	assert.Empty(t, msg.Attachments)
}

func TestParseMultipartWithAttachment(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: With Attachment\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"XXBOUNDXX\"\r\n" +
		"\r\n" +
		"--XXBOUNDXX\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"The body.\r\n" +
		"--XXBOUNDXX\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"attachment.bin\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"YmluYXJ5LWNvbnRlbnQ=\r\n" +
		"--XXBOUNDXX--\r\n"

	msg, err := Parse("attach.eml", []byte(raw))
	require.NoError(t, err)

	assert.Contains(t, msg.Body, "The body.")
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "attachment.bin", att.Filename)
	assert.Equal(t, "application/octet-stream", att.ContentType)
	assert.Equal(t, int64(len("binary-content")), att.SizeBytes)
	// Missing date header: treated as oldest, not an error.
	assert.False(t, msg.DateValid)
}

func TestParseFileRejectsOLEContainers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outlook.msg")
	payload := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, []byte("rest")...)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	_, err := ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".msg")
}

func TestNormalizeSubject(t *testing.T) {
	cases := map[string]string{
		"Release Plan":              "release plan",
		"RE: Release Plan":          "release plan",
		"Re:  Release   Plan":       "release plan",
		"FWD: RE: FW: Release Plan": "release plan",
		"fw: aw: Release Plan":      "release plan",
		"  REopened ticket ":        "reopened ticket", // no colon, not a marker
		"":                          "",
	}
	for in, want := range cases {
		assert.Equalf(t, want, NormalizeSubject(in), "subject %q", in)
	}
}

func msgWith(source, subject, rawDate string, seq int) *Message {
	m := &Message{Source: source, Subject: subject, RawDate: rawDate, Seq: seq}
	if rawDate != "" {
		if ts, err := time.Parse(time.RFC1123Z, rawDate); err == nil {
			m.Date = ts.UTC()
			m.DateValid = true
		}
	}
	return m
}

func TestGroupThreadsOrdering(t *testing.T) {
	messages := []*Message{
		msgWith("a.eml", "Re: Release Plan", "Mon, 01 Jan 2024 10:00:00 +0000", 0),
		msgWith("b.eml", "Release Plan", "", 1),
		msgWith("c.eml", "FWD: Release Plan", "Fri, 01 Dec 2023 09:00:00 +0000", 2),
		msgWith("d.eml", "Release Plan", "not-a-date", 3),
	}

	threads := GroupThreads(messages)
	require.Len(t, threads, 1)
	thread := threads[0]
	assert.Equal(t, "release plan", thread.Key)

	var order []string
	for _, m := range thread.Messages {
		order = append(order, m.Source)
	}
	// Missing/unparsable dates first in discovery order, then chronological.
	assert.Equal(t, []string{"b.eml", "d.eml", "c.eml", "a.eml"}, order)

	for i := 1; i < len(thread.Messages); i++ {
		prev, cur := thread.Messages[i-1], thread.Messages[i]
		if prev.DateValid && cur.DateValid {
			assert.False(t, cur.Date.Before(prev.Date))
		}
	}
}

func TestGroupThreadsNoSubjectStaysAlone(t *testing.T) {
	messages := []*Message{
		msgWith("a.eml", "", "", 0),
		msgWith("b.eml", "", "", 1),
	}
	threads := GroupThreads(messages)
	assert.Len(t, threads, 2)
}

func TestGroupThreadsFirstSeenGroupWins(t *testing.T) {
	first := msgWith("x/one.eml", "Budget", "", 0)
	first.Group = "case_a"
	second := msgWith("y/two.eml", "RE: Budget", "", 1)
	second.Group = "case_b"

	threads := GroupThreads([]*Message{first, second})
	require.Len(t, threads, 1)
	assert.Equal(t, "case_a", threads[0].Group)
}

func TestRenderThread(t *testing.T) {
	msg := msgWith("mail.eml", "Budget", "Mon, 01 Jan 2024 10:00:00 +0000", 0)
	msg.From = "a@example.com"
	msg.To = "b@example.com"
	msg.Body = "Body text"
	msg.Attachments = []Attachment{{Filename: "attachment.bin", ContentType: "application/octet-stream", SizeBytes: 14}}

	thread := &Thread{Key: "budget", Group: "root", Messages: []*Message{msg}}
	text := RenderThread(1, thread, RenderOptions{AttachmentIndex: true})

	assert.Contains(t, text, "EMAIL THREAD 1")
	assert.Contains(t, text, "THREAD KEY: budget")
	assert.Contains(t, text, "EMAIL 1 of 1")
	assert.Contains(t, text, "Subject: Budget")
	assert.Contains(t, text, "Source: mail.eml")
	assert.Contains(t, text, "ATTACHMENTS:")
	assert.Contains(t, text, "attachment.bin (type=application/octet-stream, bytes=14)")
	// Attachment payloads are indexed, never embedded.
	assert.NotContains(t, text, "binary-content")
}

func TestRenderThreadWithoutAttachmentIndex(t *testing.T) {
	msg := msgWith("mail.eml", "Budget", "", 0)
	msg.Attachments = []Attachment{{Filename: "skip.bin"}}
	thread := &Thread{Key: "budget", Messages: []*Message{msg}}

	text := RenderThread(1, thread, RenderOptions{AttachmentIndex: false})
	assert.NotContains(t, text, "ATTACHMENTS:")

	withNone := RenderThread(1, &Thread{Key: "budget", Messages: []*Message{msgWith("m.eml", "Budget", "", 0)}}, RenderOptions{AttachmentIndex: true})
	assert.Contains(t, withNone, "- none")
}

func TestRenderThreadNoSubjectKey(t *testing.T) {
	msg := msgWith("mail.eml", "", "", 0)
	thread := &Thread{Key: "no_subject_mail.eml", Messages: []*Message{msg}}
	text := RenderThread(3, thread, RenderOptions{})
	assert.Contains(t, text, "THREAD KEY: (no subject)")
	assert.True(t, strings.Contains(text, "EMAIL THREAD 3"))
}
