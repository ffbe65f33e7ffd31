package threads

import (
	"sort"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Merge folds an incoming thread snapshot into the stored one.
// Raw messages are unioned by id (incoming wins for a repeated id, stored-only
// messages are kept), then every derived field is recomputed. Local state such
// as IsPinned and CreatedAt survives. stored may be nil.
func Merge(stored, incoming models.ThreadRecord, now time.Time) models.ThreadRecord {
	in := incoming.Data()
	if stored == nil {
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		in.UpdatedAt = now
		Recompute(in)
		return incoming
	}

	st := stored.Data()
	st.RawMessages = mergeRaw(st.RawMessages, in.RawMessages)

	if in.Subject != "" {
		st.Subject = in.Subject
	}
	if in.Folder != "" {
		st.Folder = in.Folder
	}
	if in.Category != "" {
		st.Category = in.Category
	}
	st.IsArchived = in.IsArchived
	st.IsSpam = in.IsSpam
	st.Participants = append(st.Participants, in.Participants...)
	if in.MessageCount > st.MessageCount {
		st.MessageCount = in.MessageCount
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	Recompute(st)
	return stored
}

func mergeRaw(stored, incoming []models.RawMessage) []models.RawMessage {
	out := make([]models.RawMessage, 0, len(stored)+len(incoming))
	pos := make(map[string]int, len(stored)+len(incoming))
	for _, batch := range [][]models.RawMessage{stored, incoming} {
		for _, m := range batch {
			if i, ok := pos[m.ID]; ok && m.ID != "" {
				out[i] = m
				continue
			}
			if m.ID != "" {
				pos[m.ID] = len(out)
			}
			out = append(out, m)
		}
	}
	return out
}

// Recompute rebuilds the fields derived from RawMessages.
func Recompute(d *models.ThreadData) {
	sort.SliceStable(d.RawMessages, func(i, j int) bool {
		return d.RawMessages[i].InternalDate.Before(d.RawMessages[j].InternalDate)
	})

	if d.Subject == "" {
		for _, m := range d.RawMessages {
			if m.Subject != "" {
				d.Subject = m.Subject
				break
			}
		}
	}
	d.NormalizedSubject = NormalizeSubject(d.Subject)

	if len(d.RawMessages) > d.MessageCount {
		d.MessageCount = len(d.RawMessages)
	}
	if len(d.RawMessages) == 0 {
		d.Participants = DedupParticipants(d.Participants)
		return
	}

	var (
		unread  int
		starred bool
		attach  bool
		size    int64
		people  = append([]models.Participant(nil), d.Participants...)
	)
	for _, m := range d.RawMessages {
		if m.Unread {
			unread++
		}
		starred = starred || m.Starred
		attach = attach || m.HasAttachments
		size += m.Size
		if p, ok := ParseParticipant(m.From); ok {
			people = append(people, p)
		}
		for _, rcpt := range m.To {
			people = append(people, ParseParticipantList(rcpt)...)
		}
		for _, rcpt := range m.Cc {
			people = append(people, ParseParticipantList(rcpt)...)
		}
	}

	first, last := d.RawMessages[0], d.RawMessages[len(d.RawMessages)-1]
	d.UnreadCount = unread
	d.IsStarred = starred
	d.HasAttachments = attach
	d.TotalSize = size
	d.FirstMessageAt = first.InternalDate
	d.LastMessageAt = last.InternalDate
	d.LatestPreview = last.Snippet
	d.LatestFrom = last.From
	d.LatestTo = append([]string(nil), last.To...)
	d.Participants = DedupParticipants(people)
}
