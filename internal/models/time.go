package models

import "time"

// CreatedAt returns the creation timestamp caches order by.
func CreatedAt(e Entity) time.Time {
	switch r := e.(type) {
	case *Account:
		return r.CreatedAt
	case *Profile:
		return r.CreatedAt
	case *Post:
		return r.CreatedAt
	case *Like:
		return r.CreatedAt
	case *Comment:
		return r.CreatedAt
	case *Chat:
		return r.CreatedAt
	case *ChatMember:
		return r.CreatedAt
	case *Message:
		return r.CreatedAt
	case *Notification:
		return r.CreatedAt
	}
	return time.Time{}
}
