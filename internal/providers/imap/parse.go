package imap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/threads"
)

const snippetLength = 200

type attachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// imapMessage is the stored form of one fetched message
type imapMessage struct {
	UID         uint32       `json:"uid"`
	UIDValidity uint32       `json:"uidValidity"`
	Mailbox     string       `json:"mailbox"`
	MessageID   string       `json:"messageId,omitempty"`
	InReplyTo   string       `json:"inReplyTo,omitempty"`
	References  string       `json:"references,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	From        string       `json:"from,omitempty"`
	To          []string     `json:"to,omitempty"`
	Cc          []string     `json:"cc,omitempty"`
	Date        time.Time    `json:"date"`
	Flags       []string     `json:"flags,omitempty"`
	Size        uint32       `json:"size"`
	Text        string       `json:"text,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

// parseMessage reads headers from the envelope and text and attachments from the body.
// A body enmime cannot parse still yields the envelope fields.
func parseMessage(msg *imap.Message, validity uint32, mailbox string) imapMessage {
	im := imapMessage{
		UID:         msg.Uid,
		UIDValidity: validity,
		Mailbox:     mailbox,
		Date:        msg.InternalDate.UTC(),
		Flags:       msg.Flags,
		Size:        msg.Size,
	}
	if env := msg.Envelope; env != nil {
		im.MessageID = env.MessageId
		im.InReplyTo = env.InReplyTo
		im.Subject = env.Subject
		if len(env.From) > 0 {
			im.From = formatAddress(env.From[0])
		}
		im.To = formatAddressList(env.To)
		im.Cc = formatAddressList(env.Cc)
		if im.Date.IsZero() && !env.Date.IsZero() {
			im.Date = env.Date.UTC()
		}
	}

	body := msg.GetBody(bodySection)
	if body == nil {
		return im
	}
	parsed, err := enmime.ReadEnvelope(body)
	if err != nil {
		return im
	}
	if subject := parsed.GetHeader("Subject"); subject != "" {
		im.Subject = subject
	}
	if im.MessageID == "" {
		im.MessageID = parsed.GetHeader("Message-Id")
	}
	im.References = parsed.GetHeader("References")
	im.Text = parsed.Text
	for _, part := range parsed.Attachments {
		im.Attachments = append(im.Attachments, attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        len(part.Content),
		})
	}
	return im
}

func (im imapMessage) raw() (models.RawMessage, error) {
	payload, err := json.Marshal(im)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("failed to encode message %d: %w", im.UID, err)
	}
	id := im.MessageID
	if id == "" {
		id = fmt.Sprintf("%s/%d/%d", im.Mailbox, im.UIDValidity, im.UID)
	}
	raw := models.RawMessage{
		ID:             id,
		InternalDate:   im.Date,
		Subject:        im.Subject,
		From:           im.From,
		To:             im.To,
		Cc:             im.Cc,
		Snippet:        snippet(im.Text),
		Labels:         im.Flags,
		Unread:         true,
		HasAttachments: len(im.Attachments) > 0,
		Size:           int64(im.Size),
		Payload:        payload,
	}
	for _, flag := range im.Flags {
		switch flag {
		case imap.SeenFlag:
			raw.Unread = false
		case imap.FlaggedFlag:
			raw.Starred = true
		}
	}
	return raw, nil
}

// groupBySubject folds messages into threads keyed by normalized subject and
// returns the highest UID seen. Messages received before since are skipped.
func groupBySubject(accountID, folder string, validity uint32, msgs []*imap.Message, since *time.Time) ([]models.ThreadRecord, int, uint32) {
	byThread := make(map[string]*models.IMAPThread)
	var (
		order     []string
		processed int
		maxUID    uint32
	)

	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
		im := parseMessage(msg, validity, mailboxName(folder))
		if since != nil && im.Date.Before(*since) {
			continue
		}
		raw, err := im.raw()
		if err != nil {
			continue
		}
		processed++

		id := threads.SubjectThreadID(im.Subject)
		th, ok := byThread[id]
		if !ok {
			th = &models.IMAPThread{ThreadID: id}
			th.AccountID = accountID
			th.Folder = folder
			th.IsSpam = folder == "spam"
			th.IsArchived = folder == "archive"
			byThread[id] = th
			order = append(order, id)
		}
		th.RawMessages = append(th.RawMessages, raw)
	}

	sort.Strings(order)
	records := make([]models.ThreadRecord, 0, len(order))
	for _, id := range order {
		th := byThread[id]
		threads.Recompute(&th.ThreadData)
		records = append(records, th)
	}
	return records, processed, maxUID
}

func formatAddress(addr *imap.Address) string {
	if addr == nil || addr.MailboxName == "" || addr.HostName == "" {
		return ""
	}
	return models.Participant{Name: addr.PersonalName, Email: addr.Address()}.String()
}

func formatAddressList(list []*imap.Address) []string {
	var out []string
	for _, addr := range list {
		if s := formatAddress(addr); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// snippet collapses whitespace and cuts the text to snippetLength runes
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLength])
}
