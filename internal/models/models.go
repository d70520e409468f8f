package models

import "time"

// Kind identifies an entity table. The gateway, caches and the event router
// are generic over Kind so new tables do not touch the sync core.
type Kind string

const (
	KindAccount      Kind = "accounts"
	KindProfile      Kind = "profiles"
	KindPost         Kind = "posts"
	KindLike         Kind = "likes"
	KindComment      Kind = "comments"
	KindChat         Kind = "chats"
	KindChatMember   Kind = "chat_members"
	KindMessage      Kind = "messages"
	KindNotification Kind = "notifications"
)

// Entity is implemented by every row type the gateway can carry.
type Entity interface {
	EntityID() string
	EntityKind() Kind
}

type Account struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *Account) EntityID() string { return a.ID }
func (a *Account) EntityKind() Kind { return KindAccount }

// Profile is 1:1 with Account, provisioned lazily on first sign-in.
type Profile struct {
	ID        string    `gorm:"primaryKey" json:"id"` // same as Account.ID
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	AvatarURL string    `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Profile) EntityID() string { return p.ID }
func (p *Profile) EntityKind() Kind { return KindProfile }

type Post struct {
	ID       string   `gorm:"primaryKey" json:"id"`
	AuthorID string   `gorm:"index;not null" json:"author_id"`
	Author   *Profile `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Content  string   `gorm:"not null" json:"content"`
	ImageURL string   `json:"image_url"`
	// Derived at query time, never persisted. The client keeps these
	// consistent with its own optimistic edits.
	LikesCount    int       `gorm:"-" json:"likes_count"`
	CommentsCount int       `gorm:"-" json:"comments_count"`
	Liked         bool      `gorm:"-" json:"liked"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func (p *Post) EntityID() string { return p.ID }
func (p *Post) EntityKind() Kind { return KindPost }

// Clone returns a shallow copy the optimistic engine can mutate and revert.
func (p *Post) Clone() *Post {
	c := *p
	return &c
}

// Like is unique per (post, account).
type Like struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	PostID    string    `gorm:"uniqueIndex:idx_like_once;not null" json:"post_id"`
	AccountID string    `gorm:"uniqueIndex:idx_like_once;not null" json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (l *Like) EntityID() string { return l.ID }
func (l *Like) EntityKind() Kind { return KindLike }

type Comment struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	PostID    string    `gorm:"index;not null" json:"post_id"`
	AuthorID  string    `gorm:"not null" json:"author_id"`
	Author    *Profile  `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Body      string    `gorm:"not null" json:"body"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (c *Comment) EntityID() string { return c.ID }
func (c *Comment) EntityKind() Kind { return KindComment }

type Chat struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"` // group chats only
	IsGroup   bool      `gorm:"not null" json:"is_group"`
	CreatorID string    `gorm:"not null" json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	// Derived for the chat list view.
	LastMessage *Message `gorm:"-" json:"last_message,omitempty"`
	UnreadCount int      `gorm:"-" json:"unread_count"`
}

func (c *Chat) EntityID() string { return c.ID }
func (c *Chat) EntityKind() Kind { return KindChat }

func (c *Chat) Clone() *Chat {
	cc := *c
	return &cc
}

// ChatMember is the roster representation; there is no separate roster entity.
type ChatMember struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ChatID    string    `gorm:"uniqueIndex:idx_member_once;not null" json:"chat_id"`
	AccountID string    `gorm:"uniqueIndex:idx_member_once;not null" json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *ChatMember) EntityID() string { return m.ID }
func (m *ChatMember) EntityKind() Kind { return KindChatMember }

type Message struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ChatID    string    `gorm:"index;not null" json:"chat_id"`
	AuthorID  string    `gorm:"not null" json:"author_id"`
	Author    *Profile  `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Body      string    `gorm:"not null" json:"body"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (m *Message) EntityID() string { return m.ID }
func (m *Message) EntityKind() Kind { return KindMessage }

type NotificationKind string

const (
	NotifyLike    NotificationKind = "like"
	NotifyComment NotificationKind = "comment"
	NotifyFollow  NotificationKind = "follow"
	NotifyMessage NotificationKind = "message"
)

type Notification struct {
	ID          string           `gorm:"primaryKey" json:"id"`
	RecipientID string           `gorm:"index;not null" json:"recipient_id"`
	Kind        NotificationKind `gorm:"size:16;not null" json:"kind"`
	TargetID    string           `json:"target_id"` // post, comment or chat id
	OriginID    string           `gorm:"not null" json:"origin_id"`
	Origin      *Profile         `gorm:"foreignKey:OriginID" json:"origin,omitempty"`
	Read        bool             `gorm:"default:false" json:"read"`
	CreatedAt   time.Time        `gorm:"index" json:"created_at"`
}

func (n *Notification) EntityID() string { return n.ID }
func (n *Notification) EntityKind() Kind { return KindNotification }

func (n *Notification) Clone() *Notification {
	c := *n
	return &c
}
