package outlook

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/threads"
)

// messageFields is the $select list of every message read
var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime", "isRead", "hasAttachments", "flag",
	"parentFolderId", "inferenceClassification", "categories", "internetMessageId",
}

// graphAddress and graphMessage mirror the selected Graph message fields for raw storage
type graphAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID                      string         `json:"id"`
	ConversationID          string         `json:"conversationId"`
	InternetMessageID       string         `json:"internetMessageId,omitempty"`
	Subject                 string         `json:"subject,omitempty"`
	From                    *graphAddress  `json:"from,omitempty"`
	ToRecipients            []graphAddress `json:"toRecipients,omitempty"`
	CcRecipients            []graphAddress `json:"ccRecipients,omitempty"`
	BodyPreview             string         `json:"bodyPreview,omitempty"`
	ReceivedDateTime        time.Time      `json:"receivedDateTime"`
	IsRead                  bool           `json:"isRead"`
	HasAttachments          bool           `json:"hasAttachments"`
	Flagged                 bool           `json:"flagged"`
	ParentFolderID          string         `json:"parentFolderId,omitempty"`
	InferenceClassification string         `json:"inferenceClassification,omitempty"`
	Categories              []string       `json:"categories,omitempty"`
}

// removed reports whether a delta entry announces a deletion
func removed(m graphmodels.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

// toGraphMessage copies the SDK model into its storage form
func toGraphMessage(m graphmodels.Messageable) graphMessage {
	gm := graphMessage{
		ID:                deref(m.GetId()),
		ConversationID:    deref(m.GetConversationId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		Subject:           deref(m.GetSubject()),
		BodyPreview:       deref(m.GetBodyPreview()),
		ParentFolderID:    deref(m.GetParentFolderId()),
		Categories:        m.GetCategories(),
		ToRecipients:      extractAddresses(m.GetToRecipients()),
		CcRecipients:      extractAddresses(m.GetCcRecipients()),
	}
	if from := m.GetFrom(); from != nil {
		if addrs := extractAddresses([]graphmodels.Recipientable{from}); len(addrs) > 0 {
			gm.From = &addrs[0]
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		gm.ReceivedDateTime = rcvd.UTC()
	}
	if v := m.GetIsRead(); v != nil {
		gm.IsRead = *v
	}
	if v := m.GetHasAttachments(); v != nil {
		gm.HasAttachments = *v
	}
	if flag := m.GetFlag(); flag != nil && flag.GetFlagStatus() != nil {
		gm.Flagged = *flag.GetFlagStatus() == graphmodels.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	if ic := m.GetInferenceClassification(); ic != nil {
		gm.InferenceClassification = ic.String()
	}
	return gm
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []graphmodels.Recipientable) []graphAddress {
	var addrs []graphAddress
	for _, r := range recipients {
		if r == nil {
			continue
		}
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil && *addr != "" {
				addrs = append(addrs, graphAddress{Name: deref(emailAddr.GetName()), Address: *addr})
			}
		}
	}
	return addrs
}

func formatAddress(a graphAddress) string {
	return models.Participant{Name: a.Name, Email: a.Address}.String()
}

func formatAddresses(list []graphAddress) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	return out
}

func rawMessage(gm graphMessage) (models.RawMessage, error) {
	payload, err := json.Marshal(gm)
	if err != nil {
		return models.RawMessage{}, err
	}
	raw := models.RawMessage{
		ID:             gm.ID,
		InternalDate:   gm.ReceivedDateTime,
		Subject:        gm.Subject,
		To:             formatAddresses(gm.ToRecipients),
		Cc:             formatAddresses(gm.CcRecipients),
		Snippet:        gm.BodyPreview,
		Labels:         gm.Categories,
		Unread:         !gm.IsRead,
		Starred:        gm.Flagged,
		HasAttachments: gm.HasAttachments,
		Payload:        payload,
	}
	if gm.From != nil {
		raw.From = formatAddress(*gm.From)
	}
	return raw, nil
}

// groupConversations folds messages into one thread per conversationId.
// Messages without a conversation id and delta deletions are skipped.
func groupConversations(accountID, folder string, msgs []graphmodels.Messageable) ([]models.ThreadRecord, int, error) {
	byConversation := make(map[string]*models.OutlookThread)
	var order []string
	processed := 0

	for _, m := range msgs {
		if m == nil || removed(m) {
			continue
		}
		gm := toGraphMessage(m)
		if gm.ConversationID == "" || gm.ID == "" {
			continue
		}
		raw, err := rawMessage(gm)
		if err != nil {
			return nil, 0, err
		}
		processed++

		th, ok := byConversation[gm.ConversationID]
		if !ok {
			th = &models.OutlookThread{ConversationID: gm.ConversationID}
			th.AccountID = accountID
			th.Folder = folder
			th.IsSpam = folder == "spam"
			th.IsArchived = folder == "archive"
			byConversation[gm.ConversationID] = th
			order = append(order, gm.ConversationID)
		}
		th.RawMessages = append(th.RawMessages, raw)
		if gm.InferenceClassification != "" && !strings.EqualFold(gm.InferenceClassification, "focused") {
			th.Category = strings.ToLower(gm.InferenceClassification)
		}
	}

	sort.Strings(order)
	records := make([]models.ThreadRecord, 0, len(order))
	for _, id := range order {
		th := byConversation[id]
		threads.Recompute(&th.ThreadData)
		records = append(records, th)
	}
	return records, processed, nil
}

// folderName maps Graph well-known folder names onto stored folder names
func folderName(folder string) string {
	switch strings.ToLower(folder) {
	case "", "inbox":
		return "inbox"
	case "sentitems", "sent":
		return "sent"
	case "junkemail", "spam":
		return "spam"
	case "deleteditems", "trash":
		return "trash"
	case "archive":
		return "archive"
	}
	return folder
}

// graphFolder maps a stored folder name onto a Graph well-known folder id
func graphFolder(folder string) string {
	switch strings.ToLower(folder) {
	case "", "inbox":
		return "inbox"
	case "sent", "sentitems":
		return "sentitems"
	case "spam", "junkemail":
		return "junkemail"
	case "trash", "deleteditems":
		return "deleteditems"
	}
	return folder
}
