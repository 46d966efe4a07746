package database

import "time"

// LatestState tells whether a latest-message snapshot points at a message.
type LatestState string

const (
	// LatestUnknown means the snapshot was never loaded.
	LatestUnknown LatestState = ""
	// LatestPresent means the snapshot describes an existing message.
	LatestPresent LatestState = "present"
	// LatestEmpty is the sentinel for a conversation without messages.
	LatestEmpty LatestState = "empty"
)

// LatestMessage is the denormalized pointer to the newest message of a conversation.
type LatestMessage struct {
	State     LatestState `json:"state"`
	MessageID string      `json:"message_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	SenderID  string      `json:"sender_id,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
}

// IsEmpty reports whether the snapshot is the empty-state sentinel.
func (l LatestMessage) IsEmpty() bool {
	return l.State == LatestEmpty
}

// Participant is the display snapshot of one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
	Username    string `json:"username,omitempty"`
}

// Conversation is a two-party thread. Participants and IsBot never change
// after creation.
type Conversation struct {
	Key          string         `json:"key"`
	Participants [2]Participant `json:"participants"`
	IsBot        bool           `json:"is_bot"`
	Latest       LatestMessage  `json:"latest"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0].ID == userID || c.Participants[1].ID == userID
}

// Participant returns the snapshot of userID, if present.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID string) Participant {
	if c.Participants[0].ID == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message is one entry of a conversation log. Messages are ordered by
// (SentAt, ID) and never renumbered.
type Message struct {
	ID                string    `json:"id"`
	ConversationKey   string    `json:"conversation_key"`
	SenderID          string    `json:"sender_id"`
	Body              string    `json:"body"`
	SentAt            time.Time `json:"sent_at"`
	SenderDisplayName string    `json:"sender_display_name"`
	SenderPhotoURL    string    `json:"sender_photo_url"`
}

// SummaryEntry is one row of a participant's conversation list.
type SummaryEntry struct {
	ParticipantID   string        `json:"participant_id"`
	ConversationKey string        `json:"conversation_key"`
	Counterpart     Participant   `json:"counterpart"`
	Latest          LatestMessage `json:"latest"`
	Unread          int           `json:"unread"`
	OrderingKey     time.Time     `json:"ordering_key"`
	IsBot           bool          `json:"is_bot"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Profile is the public identity of a user.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url"`
	Username    string    `json:"username,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewConversation describes a conversation to create if absent.
// Summary rows are created for every participant whose ID is not BotID.
type NewConversation struct {
	Key          string
	Participants [2]Participant
	IsBot        bool
	BotID        string
}

// NewMessage describes a message to append.
// The store assigns the message ID and timestamp; Now defaults to time.Now.
type NewMessage struct {
	ConversationKey   string
	SenderID          string
	Body              string
	SenderDisplayName string
	SenderPhotoURL    string
	Now               time.Time
}

// ProfileUpdate describes a profile write together with its username claim.
type ProfileUpdate struct {
	UserID      string
	Username    string
	DisplayName string
	PhotoURL    string
}

// Row types mirror the tables. Timestamps are unix milliseconds.

type profileRow struct {
	UserID      string `db:"user_id"`
	DisplayName string `db:"display_name"`
	PhotoURL    string `db:"photo_url"`
	Username    string `db:"username"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

type conversationRow struct {
	Key             string `db:"conversation_key"`
	ParticipantA    string `db:"participant_a"`
	ParticipantB    string `db:"participant_b"`
	IsBot           bool   `db:"is_bot"`
	LastState       string `db:"last_state"`
	LastMessageID   string `db:"last_message_id"`
	LastMessageText string `db:"last_message_text"`
	LastSenderID    string `db:"last_sender_id"`
	LastSentAt      int64  `db:"last_sent_at"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

type participantRow struct {
	ConversationKey string `db:"conversation_key"`
	ParticipantID   string `db:"participant_id"`
	Position        int    `db:"position"`
	DisplayName     string `db:"display_name"`
	PhotoURL        string `db:"photo_url"`
	Username        string `db:"username"`
}

type messageRow struct {
	ID                string `db:"id"`
	ConversationKey   string `db:"conversation_key"`
	SenderID          string `db:"sender_id"`
	Body              string `db:"body"`
	SentAt            int64  `db:"sent_at"`
	SenderDisplayName string `db:"sender_display_name"`
	SenderPhotoURL    string `db:"sender_photo_url"`
}

type summaryRow struct {
	ParticipantID       string `db:"participant_id"`
	ConversationKey     string `db:"conversation_key"`
	CounterpartID       string `db:"counterpart_id"`
	CounterpartName     string `db:"counterpart_name"`
	CounterpartPhotoURL string `db:"counterpart_photo_url"`
	CounterpartUsername string `db:"counterpart_username"`
	LastState           string `db:"last_state"`
	LastMessageID       string `db:"last_message_id"`
	LastMessageText     string `db:"last_message_text"`
	LastSenderID        string `db:"last_sender_id"`
	LastSentAt          int64  `db:"last_sent_at"`
	Unread              int    `db:"unread"`
	OrderingKey         int64  `db:"ordering_key"`
	IsBot               bool   `db:"is_bot"`
	UpdatedAt           int64  `db:"updated_at"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func latestFromColumns(state, id, text, sender string, sentAt int64) LatestMessage {
	if LatestState(state) != LatestPresent {
		return LatestMessage{State: LatestEmpty}
	}
	return LatestMessage{
		State:     LatestPresent,
		MessageID: id,
		Text:      text,
		SenderID:  sender,
		SentAt:    fromMillis(sentAt),
	}
}

func (r profileRow) toModel() *Profile {
	return &Profile{
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		PhotoURL:    r.PhotoURL,
		Username:    r.Username,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func (r messageRow) toModel() Message {
	return Message{
		ID:                r.ID,
		ConversationKey:   r.ConversationKey,
		SenderID:          r.SenderID,
		Body:              r.Body,
		SentAt:            fromMillis(r.SentAt),
		SenderDisplayName: r.SenderDisplayName,
		SenderPhotoURL:    r.SenderPhotoURL,
	}
}

func (r summaryRow) toModel() SummaryEntry {
	return SummaryEntry{
		ParticipantID:   r.ParticipantID,
		ConversationKey: r.ConversationKey,
		Counterpart: Participant{
			ID:          r.CounterpartID,
			DisplayName: r.CounterpartName,
			PhotoURL:    r.CounterpartPhotoURL,
			Username:    r.CounterpartUsername,
		},
		Latest:      latestFromColumns(r.LastState, r.LastMessageID, r.LastMessageText, r.LastSenderID, r.LastSentAt),
		Unread:      r.Unread,
		OrderingKey: fromMillis(r.OrderingKey),
		IsBot:       r.IsBot,
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

func (r conversationRow) toModel(participants []participantRow) *Conversation {
	conv := &Conversation{
		Key:       r.Key,
		IsBot:     r.IsBot,
		Latest:    latestFromColumns(r.LastState, r.LastMessageID, r.LastMessageText, r.LastSenderID, r.LastSentAt),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	conv.Participants[0].ID = r.ParticipantA
	conv.Participants[1].ID = r.ParticipantB
	for _, p := range participants {
		if p.Position < 0 || p.Position > 1 {
			continue
		}
		conv.Participants[p.Position] = Participant{
			ID:          p.ParticipantID,
			DisplayName: p.DisplayName,
			PhotoURL:    p.PhotoURL,
			Username:    p.Username,
		}
	}
	return conv
}
