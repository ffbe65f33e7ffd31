package threads

import (
	"sort"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Project maps a provider thread record onto the unified read model.
// Nil slices become empty slices so API consumers never see null arrays.
// A nil record, typed or not, projects to an empty thread.
func Project(r models.ThreadRecord) models.UnifiedThread {
	var d *models.ThreadData
	if r != nil {
		d = r.Data()
	}
	if d == nil {
		return models.UnifiedThread{Participants: []models.Participant{}, LatestTo: []string{}}
	}

	participants := d.Participants
	if participants == nil {
		participants = []models.Participant{}
	}
	latestTo := d.LatestTo
	if latestTo == nil {
		latestTo = []string{}
	}

	return models.UnifiedThread{
		ThreadID:          r.NativeID(),
		AccountID:         d.AccountID,
		Provider:          r.Family(),
		Subject:           d.Subject,
		NormalizedSubject: d.NormalizedSubject,
		Participants:      participants,
		MessageCount:      d.MessageCount,
		UnreadCount:       d.UnreadCount,
		IsStarred:         d.IsStarred,
		IsPinned:          d.IsPinned,
		HasAttachments:    d.HasAttachments,
		IsArchived:        d.IsArchived,
		IsSpam:            d.IsSpam,
		Folder:            d.Folder,
		Category:          d.Category,
		FirstMessageAt:    d.FirstMessageAt,
		LastMessageAt:     d.LastMessageAt,
		TotalSize:         d.TotalSize,
		LatestPreview:     d.LatestPreview,
		LatestFrom:        d.LatestFrom,
		LatestTo:          latestTo,
	}
}

// ProjectAll projects records and orders them newest first.
func ProjectAll(records []models.ThreadRecord) []models.UnifiedThread {
	out := make([]models.UnifiedThread, 0, len(records))
	for _, r := range records {
		if r == nil || r.Data() == nil {
			continue
		}
		out = append(out, Project(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}
