package email

import (
	"regexp"
	"sort"
	"strings"
)

// Reply and forward markers stripped during subject normalization, including
// the common localized variants. Applied repeatedly so "RE: FW: RE: x"
// reduces to "x".
var replyMarker = regexp.MustCompile(`(?i)^(re|fw|fwd|aw|wg|sv|vs|antw)\s*:\s*`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeSubject derives the thread key for a subject line: markers
// stripped, whitespace collapsed, lowercased.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyMarker.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " ")))
}

// Thread is a conversation: messages sharing a normalized subject key,
// ordered chronologically. Messages with missing or unparsable timestamps
// sort first (treated as oldest); equal timestamps keep discovery order.
type Thread struct {
	Key      string
	Group    string
	Messages []*Message
}

// GroupThreads partitions messages into threads. Messages without any
// subject thread only with themselves. A thread spanning multiple groups
// belongs to the group of its first-discovered message; that group owns the
// output filename.
func GroupThreads(messages []*Message) []*Thread {
	byKey := map[string]*Thread{}
	var order []string
	for _, msg := range messages {
		key := NormalizeSubject(msg.Subject)
		if key == "" {
			key = "no_subject_" + msg.Source
		}
		thread, ok := byKey[key]
		if !ok {
			thread = &Thread{Key: key, Group: msg.Group}
			byKey[key] = thread
			order = append(order, key)
		}
		thread.Messages = append(thread.Messages, msg)
	}

	threads := make([]*Thread, 0, len(byKey))
	for _, key := range order {
		thread := byKey[key]
		sortMessages(thread.Messages)
		threads = append(threads, thread)
	}
	// Stable output order for reproducible batch partitioning.
	sort.SliceStable(threads, func(i, j int) bool { return threads[i].Key < threads[j].Key })
	return threads
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.DateValid != b.DateValid {
			return !a.DateValid // invalid timestamps sort first
		}
		if a.DateValid && !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Seq < b.Seq
	})
}
