package email

import (
	"fmt"
	"path/filepath"
	"strings"
)

var (
	heavyRule = strings.Repeat("=", 80)
	lightRule = strings.Repeat("-", 80)
)

// RenderOptions control thread rendering.
type RenderOptions struct {
	// AttachmentIndex appends the per-message attachment listing.
	AttachmentIndex bool
}

// RenderThread renders a full conversation as the text block that feeds the
// batching engine. One thread is always one unit: it is never split across
// output files.
func RenderThread(threadNum int, thread *Thread, opts RenderOptions) string {
	key := thread.Key
	if key == "" || strings.HasPrefix(key, "no_subject_") {
		key = "(no subject)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "EMAIL THREAD %d\n", threadNum)
	fmt.Fprintf(&b, "THREAD KEY: %s\n", key)
	fmt.Fprintf(&b, "TOTAL EMAILS: %d\n", len(thread.Messages))
	b.WriteString(heavyRule + "\n\n")
	for i, msg := range thread.Messages {
		b.WriteString(renderMessage(msg, i+1, len(thread.Messages), opts))
	}
	return b.String()
}

func renderMessage(msg *Message, index, total int, opts RenderOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EMAIL %d of %d\n", index, total)
	b.WriteString(heavyRule + "\n")
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", msg.To)
	fmt.Fprintf(&b, "CC: %s\n", msg.Cc)
	fmt.Fprintf(&b, "Date: %s\n", msg.RawDate)
	fmt.Fprintf(&b, "Source: %s\n", filepath.Base(msg.Source))
	b.WriteString(lightRule + "\n\n")
	b.WriteString(msg.Body)
	b.WriteString("\n\n")

	if opts.AttachmentIndex {
		b.WriteString("ATTACHMENTS:\n")
		if len(msg.Attachments) == 0 {
			b.WriteString("- none\n")
		}
		for _, att := range msg.Attachments {
			size := "unknown"
			if att.SizeBytes >= 0 {
				size = fmt.Sprintf("%d", att.SizeBytes)
			}
			fmt.Fprintf(&b, "- %s (type=%s, bytes=%s)\n", att.Filename, att.ContentType, size)
		}
		b.WriteString("\n")
	}

	b.WriteString(heavyRule + "\n\n")
	return b.String()
}
