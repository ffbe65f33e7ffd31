package gmail

import (
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/threads"
)

// Gmail system labels
const (
	labelInbox   = "INBOX"
	labelSent    = "SENT"
	labelSpam    = "SPAM"
	labelTrash   = "TRASH"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"

	categoryPrefix = "CATEGORY_"
)

// convertThread converts a threads.get(format=full) response into a stored thread
func convertThread(accountID, folder string, t *gmail.Thread) (*models.GmailThread, error) {
	rec := &models.GmailThread{ThreadID: t.Id}
	rec.AccountID = accountID
	rec.MessageCount = len(t.Messages)

	labels := make(map[string]bool)
	for _, m := range t.Messages {
		raw, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		rec.RawMessages = append(rec.RawMessages, raw)
		for _, l := range m.LabelIds {
			labels[l] = true
		}
		if rec.Subject == "" {
			rec.Subject = raw.Subject
		}
	}

	rec.IsSpam = labels[labelSpam]
	rec.IsArchived = !labels[labelInbox] && !labels[labelSent] && !labels[labelSpam] && !labels[labelTrash]
	rec.Category = category(labels)
	rec.Folder = folderOf(labels, folder)
	threads.Recompute(&rec.ThreadData)
	return rec, nil
}

// convertMessage keeps the Gmail message verbatim next to its derived fields
func convertMessage(m *gmail.Message) (models.RawMessage, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return models.RawMessage{}, err
	}

	var headers []*gmail.MessagePartHeader
	if m.Payload != nil {
		headers = m.Payload.Headers
	}

	raw := models.RawMessage{
		ID:             m.Id,
		InternalDate:   time.UnixMilli(m.InternalDate).UTC(),
		Subject:        header(headers, "Subject"),
		From:           header(headers, "From"),
		To:             threads.SplitAddressList(header(headers, "To")),
		Cc:             threads.SplitAddressList(header(headers, "Cc")),
		Snippet:        m.Snippet,
		Labels:         m.LabelIds,
		Size:           m.SizeEstimate,
		HasAttachments: hasAttachments(m.Payload),
		Payload:        payload,
	}
	for _, l := range m.LabelIds {
		switch l {
		case labelUnread:
			raw.Unread = true
		case labelStarred:
			raw.Starred = true
		}
	}
	return raw, nil
}

// header looks a header up case-insensitively
func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasAttachments(part *gmail.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		return true
	}
	for _, p := range part.Parts {
		if hasAttachments(p) {
			return true
		}
	}
	return false
}

func category(labels map[string]bool) string {
	for l := range labels {
		if strings.HasPrefix(l, categoryPrefix) {
			c := strings.ToLower(strings.TrimPrefix(l, categoryPrefix))
			if c != "personal" {
				return c
			}
		}
	}
	return ""
}

func folderOf(labels map[string]bool, requested string) string {
	switch {
	case labels[labelSpam]:
		return "spam"
	case labels[labelTrash]:
		return "trash"
	case labels[labelInbox]:
		return "inbox"
	case labels[labelSent]:
		return "sent"
	case requested != "":
		return requested
	}
	return "archive"
}

// folderQuery maps a folder onto a Gmail search query
func folderQuery(folder string) string {
	switch strings.ToLower(folder) {
	case "", "inbox":
		return "in:inbox"
	case "sent":
		return "in:sent"
	case "spam":
		return "in:spam"
	case "trash":
		return "in:trash"
	case "all":
		return ""
	}
	return "label:" + folder
}
