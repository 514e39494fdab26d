package instagram

import (
	"encoding/json"
	"time"
)

// Session is an authenticated operator session. It is safe to share between
// goroutines once created; it is never mutated after login.
type Session struct {
	Username      string    `json:"username"`
	UserID        string    `json:"user_id"`
	Authorization string    `json:"authorization"` // value of ig-set-authorization
	CreatedAt     time.Time `json:"created_at"`
}

// User is the compact account representation returned by search and inbox endpoints.
type User struct {
	PK        json.Number `json:"pk"`
	Username  string      `json:"username"`
	FullName  string      `json:"full_name"`
	IsPrivate bool        `json:"is_private"`
}

// ID returns the account's numeric identifier as a string.
func (u User) ID() string {
	return u.PK.String()
}

// UserInfo is the public profile of an account.
type UserInfo struct {
	PK             json.Number `json:"pk"`
	Username       string      `json:"username"`
	FollowerCount  int         `json:"follower_count"`
	FollowingCount int         `json:"following_count"`
	MediaCount     int         `json:"media_count"`
	IsPrivate      bool        `json:"is_private"`
}

// Friendship is the relationship between the operator and another account.
type Friendship struct {
	Following       bool `json:"following"`   // operator follows them
	FollowedBy      bool `json:"followed_by"` // they follow the operator
	Blocking        bool `json:"blocking"`
	IncomingRequest bool `json:"incoming_request"`
	OutgoingRequest bool `json:"outgoing_request"`
}

// Thread is a direct message conversation.
type Thread struct {
	ThreadID          string      `json:"thread_id"`
	Users             []User      `json:"users"` // participants other than the operator
	LastPermanentItem *ThreadItem `json:"last_permanent_item"`
	Pending           bool        `json:"pending"`
}

// ThreadItem is a single direct message.
type ThreadItem struct {
	ItemID   string      `json:"item_id"`
	ItemType string      `json:"item_type"`
	Text     string      `json:"text"`
	UserID   json.Number `json:"user_id"`
}

// SoleCounterpart returns the other participant of a one-to-one thread.
func (t Thread) SoleCounterpart() (User, bool) {
	if len(t.Users) != 1 {
		return User{}, false
	}
	return t.Users[0], true
}

// LatestText returns the text of the newest message, or "" for non-text items.
func (t Thread) LatestText() string {
	if t.LastPermanentItem == nil {
		return ""
	}
	return t.LastPermanentItem.Text
}
