package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dmharvest/internal/types"
)

// Account loads the account document for username.
func (s *Store) Account(ctx context.Context, username string) (*types.Account, error) {
	var acc types.Account
	err := s.FindOne(ctx, s.collections.Accounts, Filter{"username": username}, &acc)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// ActiveAccounts returns every account marked active, in insertion order.
func (s *Store) ActiveAccounts(ctx context.Context) ([]types.Account, error) {
	var out []types.Account
	if err := s.Find(ctx, s.collections.Accounts, Filter{"is_active": true}, &out); err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return out, nil
}

// SaveSession records a fresh sign-in for username and marks the account active.
// An empty proxy leaves any stored proxy untouched.
func (s *Store) SaveSession(ctx context.Context, username string, session *types.AuthSession, proxy string) (UpsertResult, error) {
	set := map[string]any{
		"auth_tokens": session,
		"cookies":     session.Cookies,
		"is_active":   true,
	}
	if proxy != "" {
		set["proxy"] = proxy
	}
	res, err := s.Upsert(ctx, s.collections.Accounts, Filter{"username": username}, set)
	if err != nil {
		return res, fmt.Errorf("save session for %s: %w", username, err)
	}
	s.logger.Debug("account saved", zap.String("username", username), zap.Bool("inserted", res.InsertedID != ""))
	return res, nil
}

// UpsertGroupChat stores conv keyed by (twitter_username, conversation_id). Fields the
// record does not carry, such as custom_messages, survive the update.
func (s *Store) UpsertGroupChat(ctx context.Context, conv types.Conversation) (UpsertResult, error) {
	return s.Upsert(ctx, s.collections.GroupChats, Filter{
		"twitter_username": conv.Username,
		"conversation_id":  conv.ConversationID,
	}, conv)
}

// UpsertProfile stores p keyed by (twitter_username, user_id).
func (s *Store) UpsertProfile(ctx context.Context, p types.UserProfile) (UpsertResult, error) {
	return s.Upsert(ctx, s.collections.Users, Filter{
		"twitter_username": p.Username,
		"user_id":          p.UserID,
	}, p)
}

// InsertRaw appends one raw payload record.
func (s *Store) InsertRaw(ctx context.Context, r types.RawRecord) (string, error) {
	return s.Insert(ctx, s.collections.Raw, r)
}

// GroupChatQuery selects stored group chats for one account.
type GroupChatQuery struct {
	Username    string
	TrustedOnly bool
	IDs         []string // empty means every group
}

// GroupChats returns the stored group chats matching q in insertion order.
func (s *Store) GroupChats(ctx context.Context, q GroupChatQuery) ([]types.GroupChat, error) {
	filter := Filter{"twitter_username": q.Username}
	if q.TrustedOnly {
		filter["trusted"] = true
	}
	if len(q.IDs) > 0 {
		filter["conversation_id"] = In(q.IDs...)
	}
	var out []types.GroupChat
	if err := s.Find(ctx, s.collections.GroupChats, filter, &out); err != nil {
		return nil, fmt.Errorf("list group chats for %s: %w", q.Username, err)
	}
	return out, nil
}
