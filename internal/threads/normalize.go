package threads

import (
	"crypto/sha1"
	"encoding/hex"
	"net/mail"
	"regexp"
	"strings"

	"github.com/Martian-dev/mailsync/internal/models"
)

// subjectPrefix matches one leading reply/forward marker or bracketed tag.
var subjectPrefix = regexp.MustCompile(`(?i)^\s*(?:(?:re|fwd|fw)\s*:|\[[^\]]*\])\s*`)

// NormalizeSubject strips repeated Re:/Fwd:/FW: prefixes and [tags], then lowercases and trims.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := subjectPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SubjectThreadID derives a stable thread id from the normalized subject.
// Messages whose subjects normalize to the same text share an id.
func SubjectThreadID(subject string) string {
	sum := sha1.Sum([]byte(NormalizeSubject(subject)))
	return "subj-" + hex.EncodeToString(sum[:10])
}

// ParseParticipant parses an RFC 5322 address, falling back to the raw text as the email.
func ParseParticipant(raw string) (models.Participant, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Participant{}, false
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return models.Participant{Name: addr.Name, Email: addr.Address}, true
	}
	return models.Participant{Email: strings.Trim(raw, "<>")}, true
}

// ParseParticipantList parses a comma separated address header.
func ParseParticipantList(raw string) []models.Participant {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]models.Participant, 0, len(list))
		for _, a := range list {
			out = append(out, models.Participant{Name: a.Name, Email: a.Address})
		}
		return out
	}

	var out []models.Participant
	for _, part := range strings.Split(raw, ",") {
		if p, ok := ParseParticipant(part); ok {
			out = append(out, p)
		}
	}
	return out
}

// SplitAddressList splits an address header into one entry per recipient.
func SplitAddressList(raw string) []string {
	list := ParseParticipantList(raw)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.String())
	}
	return out
}

// DedupParticipants removes repeated addresses comparing emails case-insensitively.
// The first occurrence wins, so its display case and name are kept; a later
// occurrence only fills in a missing name.
func DedupParticipants(in []models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(in))
	index := make(map[string]int, len(in))
	for _, p := range in {
		key := strings.ToLower(strings.TrimSpace(p.Email))
		if key == "" {
			continue
		}
		if i, seen := index[key]; seen {
			if out[i].Name == "" && p.Name != "" {
				out[i].Name = p.Name
			}
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}
