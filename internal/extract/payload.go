package extract

import (
	"bytes"
	"encoding/json"
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"dmharvest/internal/types"
)

var errNotObject = errors.New("not a JSON object")

// object is a decoded JSON object that remembers key order, so iterating a payload's
// conversations or users always follows the document.
type object = orderedmap.OrderedMap[string, json.RawMessage]

func decodeObject(raw json.RawMessage) (*object, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errNotObject
	}
	m := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	return m, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// lookup walks nested object keys. A missing key or a non-object step yields false.
func lookup(m *object, path ...string) (json.RawMessage, bool) {
	cur := m
	for i, key := range path {
		v, ok := cur.Get(key)
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		next, err := decodeObject(v)
		if err != nil {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func has(m *object, key string) bool {
	_, ok := m.Get(key)
	return ok
}

// userWire is a user entry as the DM endpoints deliver it.
type userWire struct {
	IDStr                types.FlexString `json:"id_str"`
	Name                 types.FlexString `json:"name"`
	ScreenName           types.FlexString `json:"screen_name"`
	Description          types.FlexString `json:"description"`
	FollowersCount       types.FlexInt    `json:"followers_count"`
	FriendsCount         types.FlexInt    `json:"friends_count"`
	StatusesCount        types.FlexInt    `json:"statuses_count"`
	FavouritesCount      types.FlexInt    `json:"favourites_count"`
	ProfileImageURLHTTPS types.FlexString `json:"profile_image_url_https"`
	ProfileBannerURL     types.FlexString `json:"profile_banner_url"`
	CreatedAt            types.FlexString `json:"created_at"`
	Protected            types.FlexBool   `json:"protected"`
	Verified             types.FlexBool   `json:"verified"`
	Location             types.FlexString `json:"location"`
	URL                  types.FlexString `json:"url"`
	BlockedBy            types.FlexBool   `json:"blocked_by"`
	Blocking             types.FlexBool   `json:"blocking"`
	FollowedBy           types.FlexBool   `json:"followed_by"`
	Following            types.FlexBool   `json:"following"`
	CanDM                types.FlexBool   `json:"can_dm"`
	GeoEnabled           types.FlexBool   `json:"geo_enabled"`
	TimeZone             types.FlexString `json:"time_zone"`
	TranslatorType       types.FlexString `json:"translator_type"`
}

// conversationWire is a conversation entry. Participants stays raw because its shape
// varies; see participants.go.
type conversationWire struct {
	Type            types.FlexString  `json:"type"`
	Name            *types.FlexString `json:"name"` // nil when absent or null
	CreateTime      types.FlexString  `json:"create_time"`
	CreatedByUserID types.FlexString  `json:"created_by_user_id"`
	Trusted         types.FlexBool    `json:"trusted"`
	Participants    json.RawMessage   `json:"participants"`
}

type participantWire struct {
	UserID                  types.FlexString `json:"user_id"`
	JoinTime                types.FlexString `json:"join_time"`
	IsAdmin                 types.FlexBool   `json:"is_admin"`
	JoinConversationEventID types.FlexString `json:"join_conversation_event_id"`
	LastReadEventID         types.FlexString `json:"last_read_event_id"`
}

func (w participantWire) record() types.Participant {
	return types.Participant{
		UserID:                  w.UserID.String(),
		JoinTime:                w.JoinTime.String(),
		IsAdmin:                 bool(w.IsAdmin),
		JoinConversationEventID: w.JoinConversationEventID.String(),
		LastReadEventID:         w.LastReadEventID.String(),
	}
}
