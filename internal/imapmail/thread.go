package imapmail

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
)

// Message is one downloaded email, reduced to what analysis needs.
type Message struct {
	SeqNum    uint32
	UID       imap.UID
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	Body      string
	Seen      bool
}

// Thread groups messages that belong to the same negotiation, keyed by
// their subject with reply/forward prefixes stripped. Messages are ordered
// oldest first so earlier emails can serve as context for later ones.
type Thread struct {
	Subject  string
	Messages []*Message
}

// Context concatenates the bodies of every message before the given one,
// for use as thread context in the model call.
func (t *Thread) Context(upTo int) string {
	if upTo <= 0 || upTo > len(t.Messages) {
		return ""
	}
	var parts []string
	for _, m := range t.Messages[:upTo] {
		parts = append(parts, m.Body)
	}
	return strings.Join(parts, "\n---\n")
}

// GroupIntoThreads buckets messages by normalized subject. Output order is
// deterministic: threads sorted by subject, messages by date.
func GroupIntoThreads(msgs []*Message) []*Thread {
	byKey := make(map[string]*Thread)
	for _, m := range msgs {
		key := NormalizeSubject(m.Subject)
		t, ok := byKey[key]
		if !ok {
			t = &Thread{Subject: key}
			byKey[key] = t
		}
		t.Messages = append(t.Messages, m)
	}

	threads := make([]*Thread, 0, len(byKey))
	for _, t := range byKey {
		sort.SliceStable(t.Messages, func(i, j int) bool {
			return t.Messages[i].Date.Before(t.Messages[j].Date)
		})
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].Subject < threads[j].Subject })
	return threads
}

// NormalizeSubject lowercases and strips any stack of Re:/Fwd:/Fw: prefixes.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		trimmed := s
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// extractTextBody pulls the first text part out of a raw RFC 822 message,
// preferring text/plain over text/html. Unparseable messages fall back to
// the raw bytes, which is still better than dropping the email.
func extractTextBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	var html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			b, _ := io.ReadAll(p.Body)
			return strings.TrimSpace(string(b))
		case "text/html":
			if html == "" {
				b, _ := io.ReadAll(p.Body)
				html = string(b)
			}
		}
	}
	return strings.TrimSpace(html)
}
