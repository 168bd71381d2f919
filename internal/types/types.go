// Package types provides the canonical record model shared across dmharvest packages.
// This package exists to break import cycles between capture, extract, store and the flows
// that drive them. Types in this package should be plain data with no browser or storage
// dependencies.
package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// SESSION TYPES
// =============================================================================

// Cookie is one browser cookie as read from, or restored into, a browser context.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// AuthSession is the credential bundle produced by a successful sign-in.
// It is created once and never mutated by the sessions that consume it.
type AuthSession struct {
	CSRFToken     string   `json:"x-csrf-token"`
	Authorization string   `json:"authorization"`
	UserAgent     string   `json:"user-agent"`
	ContentType   string   `json:"content-type"`
	Cookies       []Cookie `json:"-"`
}

// Account is the persisted document for one automated account.
type Account struct {
	ID         string       `json:"_id,omitempty"`
	Username   string       `json:"username"`
	AuthTokens *AuthSession `json:"auth_tokens,omitempty"`
	Cookies    []Cookie     `json:"cookies,omitempty"`
	IsActive   bool         `json:"is_active"`
	Proxy      string       `json:"proxy,omitempty"`
}

// =============================================================================
// CAPTURE TYPES
// =============================================================================

// Exchange is one intercepted request, completed by its response when one arrived
// before the capture window closed.
type Exchange struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
	Body      string            `json:"response_body,omitempty"`
	Status    int               `json:"response_status,omitempty"`
	Completed bool              `json:"-"`
}

// =============================================================================
// EXTRACTED RECORDS
// =============================================================================

// RawRecord keeps one parsed API payload together with the context it was captured in.
type RawRecord struct {
	AccountID string          `json:"account_id"`
	Username  string          `json:"twitter_username"`
	URL       string          `json:"url"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Conversation is a group conversation normalized from any known payload variant.
type Conversation struct {
	AccountID        string        `json:"account_id"`
	Username         string        `json:"twitter_username"`
	ConversationID   string        `json:"conversation_id"`
	Name             string        `json:"name"`
	CreateTime       string        `json:"create_time,omitempty"`
	CreatedByUserID  string        `json:"created_by_user_id,omitempty"`
	Trusted          bool          `json:"trusted"`
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participant_count"`
	ScrapedAt        time.Time     `json:"scraped_at"`
	Source           string        `json:"source"`
}

// Participant is one member of a group conversation. UserData is attached only when the
// same extraction run saw a profile for UserID.
type Participant struct {
	UserID                  string             `json:"user_id"`
	JoinTime                string             `json:"join_time,omitempty"`
	IsAdmin                 bool               `json:"is_admin"`
	JoinConversationEventID string             `json:"join_conversation_event_id,omitempty"`
	LastReadEventID         string             `json:"last_read_event_id,omitempty"`
	UserData                *ProfileProjection `json:"user_data,omitempty"`
}

// ProfileProjection is the reduced profile view attached to an enriched participant.
type ProfileProjection struct {
	Name            string `json:"name"`
	ScreenName      string `json:"screen_name"`
	FollowersCount  int64  `json:"followers_count"`
	ProfileImageURL string `json:"profile_image_url"`
}

// UserProfile is a public profile snapshot, emitted once per user id per extraction run.
type UserProfile struct {
	AccountID        string    `json:"account_id"`
	Username         string    `json:"twitter_username"`
	UserID           string    `json:"user_id"`
	IDStr            string    `json:"id_str,omitempty"`
	Name             string    `json:"name"`
	ScreenName       string    `json:"screen_name"`
	Description      string    `json:"description,omitempty"`
	FollowersCount   int64     `json:"followers_count"`
	FriendsCount     int64     `json:"friends_count"`
	StatusesCount    int64     `json:"statuses_count"`
	FavouritesCount  int64     `json:"favourites_count"`
	ProfileImageURL  string    `json:"profile_image_url,omitempty"`
	ProfileBannerURL string    `json:"profile_banner_url,omitempty"`
	CreatedAt        string    `json:"created_at,omitempty"`
	Protected        bool      `json:"protected"`
	Verified         bool      `json:"verified"`
	Location         string    `json:"location,omitempty"`
	URL              string    `json:"url,omitempty"`
	BlockedBy        bool      `json:"blocked_by"`
	Blocking         bool      `json:"blocking"`
	FollowedBy       bool      `json:"followed_by"`
	Following        bool      `json:"following"`
	CanDM            bool      `json:"can_dm"`
	GeoEnabled       bool      `json:"geo_enabled"`
	TimeZone         string    `json:"time_zone,omitempty"`
	TranslatorType   string    `json:"translator_type,omitempty"`
	ScrapedAt        time.Time `json:"scraped_at"`
}

// Projection returns the reduced view used for participant enrichment.
func (u UserProfile) Projection() *ProfileProjection {
	return &ProfileProjection{
		Name:            u.Name,
		ScreenName:      u.ScreenName,
		FollowersCount:  u.FollowersCount,
		ProfileImageURL: u.ProfileImageURL,
	}
}

// GroupChat is a stored conversation document as read back by the messenger and reports.
type GroupChat struct {
	Conversation
	CustomMessages []string `json:"custom_messages,omitempty"`
}
