package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dmharvest/internal/types"
)

const (
	inboxURL   = "https://x.com/i/api/1.1/dm/inbox_initial_state.json?nsfw_filtering_enabled=false"
	updatesURL = "https://x.com/i/api/1.1/dm/user_updates.json?cursor=GRwmgI"
)

var t0 = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

func exchange(url, body string, offset int) types.Exchange {
	return types.Exchange{
		URL:       url,
		Method:    "GET",
		Timestamp: t0.Add(time.Duration(offset) * time.Second),
		Body:      body,
		Status:    200,
		Completed: true,
	}
}

func newTestExtractor() *Extractor {
	return New("acc-1", "harvester", nil)
}

const scenario42 = `{
  "inbox_initial_state": {
    "conversations": {
      "42": {"type": "GROUP_DM", "participants": [{"user_id": "1"}, {"user_id": "2"}]}
    },
    "users": {
      "1": {"name": "One", "screen_name": "one", "followers_count": 10, "profile_image_url_https": "https://pbs/1.jpg"},
      "2": {"name": "Two", "screen_name": "two", "followers_count": "20", "profile_image_url_https": "https://pbs/2.jpg"}
    }
  }
}`

func TestScenarioSingleExchange(t *testing.T) {
	res := newTestExtractor().Extract([]types.Exchange{exchange(inboxURL, scenario42, 0)})

	require.Len(t, res.Raw, 1)
	require.Len(t, res.Conversations, 1)
	require.Len(t, res.Profiles, 2)

	want := types.Conversation{
		AccountID:      "acc-1",
		Username:       "harvester",
		ConversationID: "42",
		Name:           "Unnamed Group",
		Trusted:        false,
		Participants: []types.Participant{
			{UserID: "1", UserData: &types.ProfileProjection{Name: "One", ScreenName: "one", FollowersCount: 10, ProfileImageURL: "https://pbs/1.jpg"}},
			{UserID: "2", UserData: &types.ProfileProjection{Name: "Two", ScreenName: "two", FollowersCount: 20, ProfileImageURL: "https://pbs/2.jpg"}},
		},
		ParticipantCount: 2,
		ScrapedAt:        t0,
		Source:           SourceInitialState,
	}
	if diff := cmp.Diff(want, res.Conversations[0]); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "1", res.Profiles[0].UserID)
	assert.Equal(t, "2", res.Profiles[1].UserID)
	assert.Equal(t, t0, res.Profiles[0].ScrapedAt)
}

func TestScenarioAcrossEndpointVariants(t *testing.T) {
	updates := `{
	  "user_events": {
	    "conversations": {
	      "42": {"type": "GROUP_DM", "name": "gif gang", "participants": {"0": {"0": {"user_id": "1"}, "1": {"user_id": "2"}}}}
	    }
	  }
	}`
	res := newTestExtractor().Extract([]types.Exchange{
		exchange(inboxURL, scenario42, 0),
		exchange(updatesURL, updates, 1),
	})

	require.Len(t, res.Conversations, 2, "the extractor does not merge conversations across exchanges")
	assert.Equal(t, "42", res.Conversations[0].ConversationID)
	assert.Equal(t, "42", res.Conversations[1].ConversationID)
	assert.Equal(t, SourceInitialState, res.Conversations[0].Source)
	assert.Equal(t, SourceUserEvents, res.Conversations[1].Source)
	assert.Equal(t, "gif gang", res.Conversations[1].Name)

	// profiles seen in the first exchange enrich the second
	for _, p := range res.Conversations[1].Participants {
		assert.NotNil(t, p.UserData, p.UserID)
	}
}

func TestIdempotence(t *testing.T) {
	exchanges := []types.Exchange{
		exchange(inboxURL, scenario42, 0),
		exchange(updatesURL, `{"user_events":{"users":{"9":{"name":"Nine"},"3":{"name":"Three"}},"conversations":{"b":{"type":"GROUP_DM"},"a":{"type":"GROUP_DM","participants":[{"user_id":"9"}]}}}}`, 1),
		exchange(updatesURL, `not json`, 2),
	}
	e := newTestExtractor()

	first, err := json.Marshal(e.Extract(exchanges))
	require.NoError(t, err)
	second, err := json.Marshal(e.Extract(exchanges))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestDocumentOrderPreserved(t *testing.T) {
	body := `{"user_events":{"users":{"9":{"name":"Nine"},"3":{"name":"Three"},"5":{"name":"Five"}},"conversations":{"z":{"type":"GROUP_DM"},"a":{"type":"GROUP_DM"},"m":{"type":"GROUP_DM"}}}}`
	res := newTestExtractor().Extract([]types.Exchange{exchange(updatesURL, body, 0)})

	var ids, users []string
	for _, c := range res.Conversations {
		ids = append(ids, c.ConversationID)
	}
	for _, p := range res.Profiles {
		users = append(users, p.UserID)
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
	assert.Equal(t, []string{"9", "3", "5"}, users)
}

func TestProfileDedupFirstWins(t *testing.T) {
	res := newTestExtractor().Extract([]types.Exchange{
		exchange(inboxURL, `{"inbox_initial_state":{"users":{"U":{"name":"First","followers_count":1}}}}`, 0),
		exchange(updatesURL, `{"user_events":{"users":{"U":{"name":"Second","followers_count":2}}}}`, 1),
		exchange(updatesURL, `{"users":{"U":{"name":"Third"}}}`, 2),
	})

	require.Len(t, res.Profiles, 1)
	assert.Equal(t, "First", res.Profiles[0].Name)
	assert.EqualValues(t, 1, res.Profiles[0].FollowersCount)
	assert.Equal(t, t0, res.Profiles[0].ScrapedAt)
}

func TestProfileRootsWithinOnePayload(t *testing.T) {
	body := `{
	  "inbox_initial_state": {"users": {"1": {"name": "A"}}},
	  "user_events": {"users": {"1": {"name": "dup"}, "2": {"name": "B"}}},
	  "users": {"3": {"name": "C"}, "4": "not an object"}
	}`
	res := newTestExtractor().Extract([]types.Exchange{exchange("https://x.com/other.json", body, 0)})

	got := make(map[string]string)
	for _, p := range res.Profiles {
		got[p.UserID] = p.Name
	}
	assert.Equal(t, map[string]string{"1": "A", "2": "B", "3": "C"}, got)
	assert.Empty(t, res.Conversations, "unknown endpoints yield no conversations")
	assert.Len(t, res.Raw, 1)
}

func TestProfileFieldMapping(t *testing.T) {
	body := `{"users":{"77":{
	  "id_str":"77","name":"Full","screen_name":"full","description":"bio",
	  "followers_count":1,"friends_count":2,"statuses_count":3,"favourites_count":4,
	  "profile_image_url_https":"https://pbs/77.jpg","profile_banner_url":"https://pbs/b77",
	  "created_at":"Mon Jan 01 00:00:00 +0000 2024","protected":true,"verified":"true",
	  "location":"Earth","url":"https://t.co/x","blocked_by":false,"blocking":false,
	  "followed_by":true,"following":true,"can_dm":true,"geo_enabled":false,
	  "time_zone":"UTC","translator_type":"none"}}}`
	res := newTestExtractor().Extract([]types.Exchange{exchange(inboxURL, body, 0)})
	require.Len(t, res.Profiles, 1)

	want := types.UserProfile{
		AccountID: "acc-1", Username: "harvester", UserID: "77", IDStr: "77",
		Name: "Full", ScreenName: "full", Description: "bio",
		FollowersCount: 1, FriendsCount: 2, StatusesCount: 3, FavouritesCount: 4,
		ProfileImageURL: "https://pbs/77.jpg", ProfileBannerURL: "https://pbs/b77",
		CreatedAt: "Mon Jan 01 00:00:00 +0000 2024", Protected: true, Verified: true,
		Location: "Earth", URL: "https://t.co/x", FollowedBy: true, Following: true,
		CanDM: true, TimeZone: "UTC", TranslatorType: "none", ScrapedAt: t0,
	}
	if diff := cmp.Diff(want, res.Profiles[0]); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeEquivalence(t *testing.T) {
	participantA := `{"user_id":"A","join_time":"1700000000000","is_admin":true,"join_conversation_event_id":"e1","last_read_event_id":"e9"}`
	participantB := `{"user_id":"B","join_time":1700000000001,"is_admin":"false"}`

	variantA := fmt.Sprintf(`{"inbox_initial_state":{"conversations":{"g":{"type":"GROUP_DM","participants":{"0-49":{"0":%s},"50-99":{"0":%s}}}}}}`, participantA, participantB)
	variantB := fmt.Sprintf(`{"inbox_initial_state":{"conversations":{"g":{"type":"GROUP_DM","participants":[%s,%s]}}}}`, participantB, participantA)

	e := newTestExtractor()
	a := e.Extract([]types.Exchange{exchange(inboxURL, variantA, 0)})
	b := e.Extract([]types.Exchange{exchange(inboxURL, variantB, 0)})
	require.Len(t, a.Conversations, 1)
	require.Len(t, b.Conversations, 1)

	byID := cmpopts.SortSlices(func(x, y types.Participant) bool { return x.UserID < y.UserID })
	if diff := cmp.Diff(a.Conversations[0].Participants, b.Conversations[0].Participants, byID); diff != "" {
		t.Errorf("participant sets differ (-rangeMap +list):\n%s", diff)
	}
	assert.Equal(t, 2, a.Conversations[0].ParticipantCount)
	assert.Equal(t, 2, b.Conversations[0].ParticipantCount)
}

func TestRangeMapFlattensAnyDepth(t *testing.T) {
	raw := json.RawMessage(`{"r1":{"0":{"user_id":"1"},"deeper":{"x":{"user_id":"2"},"count":3}},"r2":{"0":{"user_id":"3"}},"meta":"ignored"}`)
	got, err := parseParticipants(raw)
	require.NoError(t, err)

	var ids []string
	for _, p := range got {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestParseParticipantsShapes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		shape   participantShape
		count   int
		wantErr bool
	}{
		{"missing", ``, shapeUnknown, 0, false},
		{"null", `null`, shapeUnknown, 0, false},
		{"list skips entries without user_id", `[{"user_id":"1"},{"join_time":"5"},"junk",{"user_id":2}]`, shapeList, 2, false},
		{"range map", `{"0":{"0":{"user_id":"1"}}}`, shapeRangeMap, 1, false},
		{"range map drops entries without user_id", `{"0-1":{"0":{"join_time":"5"},"1":{"user_id":"9"}}}`, shapeRangeMap, 1, false},
		{"scalar", `"everyone"`, shapeUnknown, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shape, classifyParticipants(json.RawMessage(tt.raw)))
			got, err := parseParticipants(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NotNil(t, got)
			assert.Len(t, got, tt.count)
		})
	}
}

func TestEnrichmentCompleteness(t *testing.T) {
	body := `{"inbox_initial_state":{
	  "conversations":{"g":{"type":"GROUP_DM","participants":[{"user_id":"known"},{"user_id":"stranger"}]}},
	  "users":{"known":{"name":"K","screen_name":"k","followers_count":3,"profile_image_url_https":"https://pbs/k","location":"not projected"}}
	}}`
	res := newTestExtractor().Extract([]types.Exchange{exchange(inboxURL, body, 0)})
	require.Len(t, res.Conversations, 1)
	parts := res.Conversations[0].Participants
	require.Len(t, parts, 2)

	assert.Equal(t, &types.ProfileProjection{Name: "K", ScreenName: "k", FollowersCount: 3, ProfileImageURL: "https://pbs/k"}, parts[0].UserData)
	assert.Nil(t, parts[1].UserData)
	assert.Equal(t, "stranger", parts[1].UserID, "unmatched participants stay otherwise complete")
}

func TestEnrichmentUsesProfilesFromLaterExchanges(t *testing.T) {
	res := newTestExtractor().Extract([]types.Exchange{
		exchange(inboxURL, `{"inbox_initial_state":{"conversations":{"g":{"type":"GROUP_DM","participants":[{"user_id":"late"}]}}}}`, 0),
		exchange(updatesURL, `{"user_events":{"users":{"late":{"name":"Late"}}}}`, 1),
	})
	require.Len(t, res.Conversations, 1)
	require.NotNil(t, res.Conversations[0].Participants[0].UserData)
	assert.Equal(t, "Late", res.Conversations[0].Participants[0].UserData.Name)
}

func TestFaultIsolation(t *testing.T) {
	var exchanges []types.Exchange
	for i := 1; i <= 5; i++ {
		body := fmt.Sprintf(`{"inbox_initial_state":{"conversations":{"c%d":{"type":"GROUP_DM","participants":[{"user_id":"u%d"}]}},"users":{"u%d":{"name":"User %d"}}}}`, i, i, i, i)
		if i == 3 {
			body = `{"inbox_initial_state": {"conversations": ` // truncated
		}
		exchanges = append(exchanges, exchange(inboxURL, body, i))
	}

	core, logs := observer.New(zapcore.WarnLevel)
	res := New("acc-1", "harvester", zap.New(core)).Extract(exchanges)

	assert.Len(t, res.Raw, 4)
	assert.Len(t, res.Conversations, 4)
	assert.Len(t, res.Profiles, 4)

	var ids []string
	for _, c := range res.Conversations {
		ids = append(ids, c.ConversationID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"c1", "c2", "c4", "c5"}, ids)
	assert.Equal(t, 1, logs.FilterMessage("skipping unparsable exchange").Len())
}

func TestGroupFilterAndDefaults(t *testing.T) {
	body := `{"inbox_initial_state":{"conversations":{
	  "one":{"type":"ONE_TO_ONE","participants":[{"user_id":"1"},{"user_id":"2"}]},
	  "grp":{"type":"GROUP_DM","name":"Named","trusted":true,"create_time":"1690000000000","created_by_user_id":1234},
	  "bare":{"type":"GROUP_DM","name":null},
	  "blank":{"type":"GROUP_DM","name":""},
	  "missing":{"type":"GROUP_DM"},
	  "odd":"not an object"
	}}}`
	res := newTestExtractor().Extract([]types.Exchange{exchange(inboxURL, body, 0)})
	require.Len(t, res.Conversations, 4)

	grp, bare := res.Conversations[0], res.Conversations[1]
	assert.Equal(t, "", res.Conversations[2].Name, "explicit empty name is stored as is")
	assert.Equal(t, "Unnamed Group", res.Conversations[3].Name)
	assert.Equal(t, "Named", grp.Name)
	assert.True(t, grp.Trusted)
	assert.Equal(t, "1690000000000", grp.CreateTime)
	assert.Equal(t, "1234", grp.CreatedByUserID)
	assert.Empty(t, grp.Participants)
	assert.NotNil(t, grp.Participants)

	assert.Equal(t, "Unnamed Group", bare.Name)
	assert.False(t, bare.Trusted)
	assert.Zero(t, bare.ParticipantCount)
}

func TestUserUpdatesDelegatesToInitialState(t *testing.T) {
	body := `{"inbox_initial_state":{"conversations":{"g":{"type":"GROUP_DM"}}},"user_events":{"conversations":{"h":{"type":"GROUP_DM"}}}}`
	res := newTestExtractor().Extract([]types.Exchange{exchange(updatesURL, body, 0)})
	require.Len(t, res.Conversations, 1)
	assert.Equal(t, "g", res.Conversations[0].ConversationID)
	assert.Equal(t, SourceInitialState, res.Conversations[0].Source)
}

func TestSkipsEmptyAndNonObjectBodies(t *testing.T) {
	res := newTestExtractor().Extract([]types.Exchange{
		{URL: inboxURL, Timestamp: t0},
		exchange(inboxURL, "   ", 1),
		exchange(inboxURL, `[1,2,3]`, 2),
		exchange(inboxURL, `{"inbox_initial_state":{"conversations":[]}}`, 3),
	})
	assert.Len(t, res.Raw, 2, "valid JSON is kept raw even when it carries nothing usable")
	assert.Empty(t, res.Conversations)
	assert.Empty(t, res.Profiles)
	assert.Equal(t, json.RawMessage(`[1,2,3]`), res.Raw[0].Data)
}

func TestRawRecordCompactsPayload(t *testing.T) {
	res := newTestExtractor().Extract([]types.Exchange{exchange(inboxURL, "{\n  \"a\": 1\n}", 0)})
	require.Len(t, res.Raw, 1)
	assert.Equal(t, types.RawRecord{
		AccountID: "acc-1", Username: "harvester", URL: inboxURL, Timestamp: t0,
		Data: json.RawMessage(`{"a":1}`),
	}, res.Raw[0])
}

func TestZeroValueExtractor(t *testing.T) {
	e := &Extractor{AccountID: "a", Username: "u"}
	res := e.Extract([]types.Exchange{exchange(inboxURL, scenario42, 0)})
	assert.Len(t, res.Conversations, 1)
	assert.Equal(t, "a", res.Conversations[0].AccountID)
}
