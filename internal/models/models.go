package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID              string    `json:"id" db:"id"`
	Username        string    `json:"username" db:"username"`
	Password        string    `json:"-" db:"password"`
	Headline        string    `json:"headline" db:"headline"`
	Avatar          string    `json:"avatar" db:"avatar"`
	ConnectionCount int       `json:"connection_count" db:"connection_count"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// UserSummary is the public projection of a user used in listings.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Headline string `json:"headline"`
	Avatar   string `json:"avatar"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Headline: u.Headline, Avatar: u.Avatar}
}

// Connection is an unordered pair stored with UserLow < UserHigh.
type Connection struct {
	ID          string     `json:"id" db:"id"`
	UserLow     string     `json:"user_low" db:"user_low"`
	UserHigh    string     `json:"user_high" db:"user_high"`
	Active      bool       `json:"active" db:"active"`
	ConnectedAt time.Time  `json:"connected_at" db:"connected_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty" db:"removed_at"`
}

// Involves reports whether userID is one of the two parties.
func (c *Connection) Involves(userID string) bool {
	return c.UserLow == userID || c.UserHigh == userID
}

// Other returns the party that is not userID.
func (c *Connection) Other(userID string) string {
	if c.UserLow == userID {
		return c.UserHigh
	}
	return c.UserLow
}

// CanonicalPair orders two ids so an unordered pair has one representation.
func CanonicalPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestIgnored   RequestStatus = "ignored"
	RequestWithdrawn RequestStatus = "withdrawn"
)

type ConnectionRequest struct {
	ID          string        `json:"id" db:"id"`
	SenderID    string        `json:"sender_id" db:"sender_id"`
	ReceiverID  string        `json:"receiver_id" db:"receiver_id"`
	Status      RequestStatus `json:"status" db:"status"`
	Message     string        `json:"message,omitempty" db:"message"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty" db:"responded_at"`

	// Counterpart is filled in listings with the other user's summary.
	Counterpart *UserSummary `json:"counterpart,omitempty"`
}

// Neighbor is a 1st-degree connection of some user.
type Neighbor struct {
	User         UserSummary `json:"user"`
	ConnectionID string      `json:"connection_id"`
	ConnectedAt  time.Time   `json:"connected_at"`
}

// Suggestion is a discovery candidate. Mutuals is zero for padding entries.
type Suggestion struct {
	User    UserSummary `json:"user"`
	Mutuals int         `json:"mutual_connections"`
}

const ConversationDirect = "direct"

type Conversation struct {
	ID            string        `json:"id" db:"id"`
	Kind          string        `json:"kind" db:"kind"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	LastMessageID string        `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty" db:"last_message_at"`
	Participants  []Participant `json:"participants"`
}

type Participant struct {
	UserID      string    `json:"user_id" db:"user_id"`
	UnreadCount int       `json:"unread_count" db:"unread_count"`
	Archived    bool      `json:"archived" db:"archived"`
	Muted       bool      `json:"muted" db:"muted"`
	JoinedAt    time.Time `json:"joined_at" db:"joined_at"`
}

// Participant returns the participant entry for userID.
func (c *Conversation) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// Others returns every participant except userID.
func (c *Conversation) Others(userID string) []Participant {
	out := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}

// ConversationSummary is one inbox row from a participant's point of view.
type ConversationSummary struct {
	ID            string      `json:"id"`
	Peer          UserSummary `json:"peer"`
	PeerOnline    bool        `json:"peer_online"`
	LastMessage   *Message    `json:"last_message,omitempty"`
	LastMessageAt *time.Time  `json:"last_message_at,omitempty"`
	UnreadCount   int         `json:"unread_count"`
	Archived      bool        `json:"archived"`
	Muted         bool        `json:"muted"`
}

type Attachment struct {
	URL  string `json:"url" validate:"required,http_url"`
	Kind string `json:"kind" validate:"required,oneof=image video document link"`
	Name string `json:"name,omitempty" validate:"max=255"`
}

type Message struct {
	ID             string        `json:"id" db:"id"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	Seq            int64         `json:"seq" db:"seq"`
	Content        string        `json:"content" db:"content"`
	Attachments    []Attachment  `json:"attachments" db:"attachments"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	ReadBy         []ReadReceipt `json:"read_by,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id" db:"user_id"`
	ReadAt time.Time `json:"read_at" db:"read_at"`
}

type Reaction struct {
	UserID string `json:"user_id" db:"user_id"`
	Type   string `json:"type" db:"type"`
}

// Websocket event types.
const (
	EventSystem              = "system"
	EventError               = "error"
	EventMessage             = "message"
	EventTyping              = "typing"
	EventPresence            = "presence"
	EventRead                = "read"
	EventReaction            = "reaction"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventNotification        = "notification"
	EventConversationUpdated = "conversation_updated"

	EventJoin  = "join"
	EventLeave = "leave"
)

// WebSocketMessage is the outbound envelope.
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// InboundMessage is the envelope clients send; Payload is decoded per Type.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type PresencePayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

type ReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ReactionPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Type           string `json:"type"`
	Added          bool   `json:"added"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// Request/Response structures
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Headline string `json:"headline" validate:"max=120"`
	Avatar   string `json:"avatar" validate:"omitempty,url"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type SendConnectionRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required,uuid"`
	Message    string `json:"message" validate:"max=300"`
}

type CreateConversationRequest struct {
	ParticipantID string `json:"participant_id" validate:"required,uuid"`
}

type SendMessageRequest struct {
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content" validate:"required,max=5000"`
	Attachments    []Attachment `json:"attachments" validate:"max=10,dive"`
}

type ReactionRequest struct {
	Type string `json:"type" validate:"required,oneof=like celebrate support love insightful funny"`
}

type FlagRequest struct {
	Value *bool `json:"value" validate:"required"`
}

type DegreeResponse struct {
	UserID string `json:"user_id"`
	Degree int    `json:"degree"`
}
