// Package extract normalizes captured DM API payloads into canonical records.
//
// The endpoints disagree on where users live and on how participants are encoded. Each
// known variant has its own parser and all of them feed the same record types. Extraction
// reads no clock and iterates objects in document order, so running it twice over the same
// exchanges yields identical output.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/types"
)

// Conversation sources.
const (
	SourceInitialState = "inbox_initial_state"
	SourceUserEvents   = "user_events"
)

const (
	groupType   = "GROUP_DM"
	unnamedName = "Unnamed Group"
)

// userRoots are the historical locations of the users mapping, scanned in this order.
var userRoots = [][]string{
	{"inbox_initial_state", "users"},
	{"user_events", "users"},
	{"users"},
}

// endpoints pick the conversation extractor by URL fragment.
var endpoints = []struct {
	fragment string
	extract  func(e *Extractor, root *object, ex types.Exchange) []types.Conversation
}{
	{"inbox_initial_state.json", (*Extractor).fromInitialState},
	{"user_updates.json", (*Extractor).fromUserUpdates},
}

// Result holds the three record collections in exchange order.
type Result struct {
	Raw           []types.RawRecord
	Conversations []types.Conversation
	Profiles      []types.UserProfile
}

// Extractor normalizes exchanges captured for one account.
type Extractor struct {
	AccountID string
	Username  string

	logger *zap.Logger
}

// New creates an Extractor for an account. A nil logger disables logging.
func New(accountID, username string, logger *zap.Logger) *Extractor {
	return &Extractor{AccountID: accountID, Username: username, logger: logging.OrNop(logger)}
}

func (e *Extractor) log() *zap.Logger {
	return logging.OrNop(e.logger)
}

// Extract processes exchanges in order. A body that fails to parse is logged and skipped;
// it never affects the other exchanges. Profiles are deduplicated within this call only,
// first occurrence wins, and participants are enriched from that profile set once every
// exchange has been read.
func (e *Extractor) Extract(exchanges []types.Exchange) Result {
	res := Result{
		Raw:           []types.RawRecord{},
		Conversations: []types.Conversation{},
		Profiles:      []types.UserProfile{},
	}
	profiles := make(map[string]types.UserProfile)

	for i, ex := range exchanges {
		if strings.TrimSpace(ex.Body) == "" {
			continue
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(ex.Body)); err != nil {
			e.log().Warn("skipping unparsable exchange",
				zap.Int("index", i), zap.String("url", ex.URL), zap.Error(err))
			continue
		}
		res.Raw = append(res.Raw, types.RawRecord{
			AccountID: e.AccountID,
			Username:  e.Username,
			URL:       ex.URL,
			Timestamp: ex.Timestamp,
			Data:      json.RawMessage(compact.Bytes()),
		})

		root, err := decodeObject(compact.Bytes())
		if err != nil {
			e.log().Debug("payload is not an object", zap.String("url", ex.URL))
			continue
		}

		found := e.profiles(root, ex, profiles, &res.Profiles)

		var convs []types.Conversation
		for _, ep := range endpoints {
			if strings.Contains(ex.URL, ep.fragment) {
				convs = ep.extract(e, root, ex)
				break
			}
		}
		res.Conversations = append(res.Conversations, convs...)

		e.log().Debug("exchange extracted",
			zap.String("url", ex.URL),
			zap.Int("profiles", found),
			zap.Int("conversations", len(convs)))
	}

	for i := range res.Conversations {
		parts := res.Conversations[i].Participants
		for j := range parts {
			if p, ok := profiles[parts[j].UserID]; ok {
				parts[j].UserData = p.Projection()
			}
		}
	}

	e.log().Info("extraction complete",
		zap.Int("raw", len(res.Raw)),
		zap.Int("conversations", len(res.Conversations)),
		zap.Int("profiles", len(res.Profiles)))
	return res
}

// profiles appends unseen users from every root present in the payload and returns how
// many were new.
func (e *Extractor) profiles(root *object, ex types.Exchange, seen map[string]types.UserProfile, out *[]types.UserProfile) int {
	added := 0
	for _, path := range userRoots {
		section, ok := lookup(root, path...)
		if !ok {
			continue
		}
		users, err := decodeObject(section)
		if err != nil {
			e.log().Debug("users section has unexpected shape",
				zap.String("root", strings.Join(path, ".")), zap.Error(err))
			continue
		}
		for pair := users.Oldest(); pair != nil; pair = pair.Next() {
			id := pair.Key
			if _, dup := seen[id]; dup || !isObject(pair.Value) {
				continue
			}
			var w userWire
			if err := json.Unmarshal(pair.Value, &w); err != nil {
				e.log().Debug("skipping malformed user", zap.String("user_id", id), zap.Error(err))
				continue
			}
			p := e.profile(id, w, ex)
			seen[id] = p
			*out = append(*out, p)
			added++
		}
	}
	return added
}

func (e *Extractor) profile(id string, w userWire, ex types.Exchange) types.UserProfile {
	return types.UserProfile{
		AccountID:        e.AccountID,
		Username:         e.Username,
		UserID:           id,
		IDStr:            w.IDStr.String(),
		Name:             w.Name.String(),
		ScreenName:       w.ScreenName.String(),
		Description:      w.Description.String(),
		FollowersCount:   int64(w.FollowersCount),
		FriendsCount:     int64(w.FriendsCount),
		StatusesCount:    int64(w.StatusesCount),
		FavouritesCount:  int64(w.FavouritesCount),
		ProfileImageURL:  w.ProfileImageURLHTTPS.String(),
		ProfileBannerURL: w.ProfileBannerURL.String(),
		CreatedAt:        w.CreatedAt.String(),
		Protected:        bool(w.Protected),
		Verified:         bool(w.Verified),
		Location:         w.Location.String(),
		URL:              w.URL.String(),
		BlockedBy:        bool(w.BlockedBy),
		Blocking:         bool(w.Blocking),
		FollowedBy:       bool(w.FollowedBy),
		Following:        bool(w.Following),
		CanDM:            bool(w.CanDM),
		GeoEnabled:       bool(w.GeoEnabled),
		TimeZone:         w.TimeZone.String(),
		TranslatorType:   w.TranslatorType.String(),
		ScrapedAt:        ex.Timestamp,
	}
}

func (e *Extractor) fromInitialState(root *object, ex types.Exchange) []types.Conversation {
	return e.conversations(root, SourceInitialState, ex)
}

// fromUserUpdates handles user_updates payloads, which sometimes embed a full initial state.
func (e *Extractor) fromUserUpdates(root *object, ex types.Exchange) []types.Conversation {
	if has(root, SourceInitialState) {
		return e.fromInitialState(root, ex)
	}
	return e.conversations(root, SourceUserEvents, ex)
}

func (e *Extractor) conversations(root *object, source string, ex types.Exchange) []types.Conversation {
	section, ok := lookup(root, source, "conversations")
	if !ok {
		return nil
	}
	convs, err := decodeObject(section)
	if err != nil {
		e.log().Debug("conversations section has unexpected shape", zap.String("source", source), zap.Error(err))
		return nil
	}

	var out []types.Conversation
	for pair := convs.Oldest(); pair != nil; pair = pair.Next() {
		if !isObject(pair.Value) {
			continue
		}
		var w conversationWire
		if err := json.Unmarshal(pair.Value, &w); err != nil {
			e.log().Debug("skipping malformed conversation", zap.String("conversation_id", pair.Key), zap.Error(err))
			continue
		}
		if w.Type.String() != groupType {
			continue
		}

		participants, err := parseParticipants(w.Participants)
		if err != nil {
			e.log().Debug("participants not parsed",
				zap.String("conversation_id", pair.Key),
				zap.Stringer("shape", classifyParticipants(w.Participants)),
				zap.Error(err))
		}

		// an explicit empty name is kept; only a missing one gets the placeholder
		name := unnamedName
		if w.Name != nil {
			name = w.Name.String()
		}
		out = append(out, types.Conversation{
			AccountID:        e.AccountID,
			Username:         e.Username,
			ConversationID:   pair.Key,
			Name:             name,
			CreateTime:       w.CreateTime.String(),
			CreatedByUserID:  w.CreatedByUserID.String(),
			Trusted:          bool(w.Trusted),
			Participants:     participants,
			ParticipantCount: len(participants),
			ScrapedAt:        ex.Timestamp,
			Source:           source,
		})
	}
	return out
}
