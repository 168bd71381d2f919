package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dmharvest/internal/challenge"
	"dmharvest/internal/store"
	"dmharvest/internal/surface"
	"dmharvest/internal/surface/surfacetest"
	"dmharvest/internal/types"
)

var selCode = surface.TextXPath("Enter code")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timing = challenge.Timing{
		Probe:  time.Millisecond,
		Action: time.Millisecond,
		Submit: time.Millisecond,
		Settle: time.Millisecond,
	}
	return cfg
}

var sessionCookies = []types.Cookie{
	{Name: "guest_id", Value: "g", Domain: ".x.com", Path: "/"},
	{Name: "ct0", Value: "csrf-token", Domain: ".x.com", Path: "/"},
	{Name: "auth_token", Value: "secret", Domain: ".x.com", Path: "/", HTTPOnly: true},
}

// loginPage scripts the two-step sign-in form. The identifier Next reveals the password
// step and the login button lands on home.
func loginPage(t *testing.T) *surfacetest.Page {
	t.Helper()
	cfg := DefaultConfig()
	p := surfacetest.NewPage()
	require.NoError(t, p.SetCookies(context.Background(), sessionCookies))
	p.Show(IdentifierSelector, NextSelector)
	p.EvalFunc = func(script string, _ []any) ([]byte, error) {
		if script == userAgentJS {
			return []byte(`"Mozilla/5.0 (test)"`), nil
		}
		return []byte("null"), nil
	}
	p.OnActivate = func(p *surfacetest.Page, selector string) {
		switch selector {
		case NextSelector:
			p.Hide(IdentifierSelector)
			p.Show(PasswordSelector, LoginButtonSelector)
		case LoginButtonSelector:
			p.SetURL(cfg.HomeURL)
		}
	}
	return p
}

func kinds(actions []surfacetest.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind+" "+a.Selector)
	}
	return out
}

func TestSignInSuccess(t *testing.T) {
	page := loginPage(t)
	a := New(nil, nil, testConfig(), nil)

	session, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "csrf-token", session.CSRFToken)
	assert.Equal(t, DefaultConfig().Bearer, session.Authorization)
	assert.Equal(t, "Mozilla/5.0 (test)", session.UserAgent)
	assert.Equal(t, "application/json", session.ContentType)
	assert.Equal(t, sessionCookies, session.Cookies)

	assert.Equal(t, []string{
		"fill " + IdentifierSelector,
		"activate " + NextSelector,
		"fill " + PasswordSelector,
		"activate " + LoginButtonSelector,
	}, kinds(page.Actions()))

	var fills []string
	for _, act := range page.Actions() {
		if act.Kind == "fill" {
			fills = append(fills, act.Value)
		}
	}
	assert.Equal(t, []string{"alice", "pw"}, fills)
	assert.Equal(t, []string{DefaultConfig().LoginURL, DefaultConfig().SettingsURL}, page.Navigations())
}

func TestSignInResolvesChallenge(t *testing.T) {
	page := loginPage(t)
	nexts := 0
	page.OnActivate = func(p *surfacetest.Page, selector string) {
		switch selector {
		case NextSelector:
			nexts++
			if nexts == 1 {
				p.Hide(IdentifierSelector)
				p.Show(selCode)
			} else {
				p.Show(PasswordSelector, LoginButtonSelector)
			}
		case LoginButtonSelector:
			p.SetURL(DefaultConfig().HomeURL)
		}
	}
	page.OnFill = func(p *surfacetest.Page, selector, _ string) {
		if selector == selCode {
			p.Hide(selCode)
		}
	}

	var prompts []string
	provider := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "123456", nil
	}

	a := New(nil, nil, testConfig(), nil)
	_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, provider)
	require.NoError(t, err)

	assert.Equal(t, []string{"Enter 2FA code:"}, prompts)
	assert.Contains(t, page.Actions(), surfacetest.Action{Kind: "fill", Selector: selCode, Value: "123456"})
	assert.Equal(t, 2, nexts)
}

func TestSignInNeedsInputProvider(t *testing.T) {
	page := loginPage(t)
	page.OnActivate = func(p *surfacetest.Page, selector string) {
		if selector == NextSelector {
			p.Show(selCode)
		}
	}

	a := New(nil, nil, testConfig(), nil)
	_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, nil)
	assert.ErrorIs(t, err, challenge.ErrInputRequired)
}

func TestSignInRejected(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name     string
		landing  string
		contains string
	}{
		{name: "back to login", landing: "https://x.com/login", contains: "redirected to sign-in"},
		{name: "unexpected page", landing: "https://x.com/account/access", contains: "https://x.com/account/access"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := loginPage(t)
			page.NavigateFunc = func(url string) error {
				if url == cfg.SettingsURL {
					page.SetURL(tt.landing)
					return nil
				}
				page.SetURL(url)
				return nil
			}

			a := New(nil, nil, testConfig(), nil)
			_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, nil)
			require.ErrorIs(t, err, ErrLoginRejected)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestSignInExistingSession(t *testing.T) {
	cfg := DefaultConfig()
	page := loginPage(t)
	page.NavigateFunc = func(url string) error {
		if url == cfg.LoginURL {
			page.SetURL(cfg.HomeURL)
			return nil
		}
		page.SetURL(url)
		return nil
	}

	a := New(nil, nil, testConfig(), nil)
	session, err := a.SignIn(context.Background(), page, Credentials{Username: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "csrf-token", session.CSRFToken)
	assert.Empty(t, page.Actions(), "no form interaction when the session is already valid")
}

func TestSignInMissingFieldFallsThroughToVerify(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	page := loginPage(t)
	page.Hide(IdentifierSelector)

	a := New(nil, nil, testConfig(), zap.New(core))
	_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("identifier step failed").Len())
}

func TestSignInSessionLost(t *testing.T) {
	page := loginPage(t)
	page.OnActivate = func(p *surfacetest.Page, _ string) { p.Kill() }

	a := New(nil, nil, testConfig(), nil)
	_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice", Password: "pw"}, nil)
	assert.ErrorIs(t, err, surface.ErrSessionClosed)
}

func TestSignInNavigationFailure(t *testing.T) {
	page := loginPage(t)
	page.NavigateFunc = func(string) error { return surface.ErrNavigation }

	a := New(nil, nil, testConfig(), nil)
	_, err := a.SignIn(context.Background(), page, Credentials{Username: "alice"}, nil)
	assert.ErrorIs(t, err, surface.ErrNavigation)
}

type fakeOpener struct {
	page    surface.Page
	err     error
	proxies []string
}

func (o *fakeOpener) Open(_ context.Context, proxy string) (surface.Page, error) {
	o.proxies = append(o.proxies, proxy)
	return o.page, o.err
}

type fakeSaver struct {
	mu       sync.Mutex
	username string
	session  *types.AuthSession
	proxy    string
	err      error
}

func (s *fakeSaver) SaveSession(_ context.Context, username string, session *types.AuthSession, proxy string) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.session, s.proxy = username, session, proxy
	return store.UpsertResult{InsertedID: "id"}, s.err
}

func TestLoginPersistsSession(t *testing.T) {
	page := loginPage(t)
	opener := &fakeOpener{page: page}
	saver := &fakeSaver{}

	a := New(opener, saver, testConfig(), nil)
	session, err := a.Login(context.Background(), Credentials{Username: "alice", Password: "pw", Proxy: "h:1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"h:1"}, opener.proxies)
	assert.Equal(t, "alice", saver.username)
	assert.Equal(t, "h:1", saver.proxy)
	assert.Same(t, session, saver.session)

	_, err = page.URL(context.Background())
	assert.ErrorIs(t, err, surface.ErrSessionClosed, "page is closed after login")
}

func TestLoginErrors(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		a := New(&fakeOpener{err: errors.New("no chrome")}, nil, testConfig(), nil)
		_, err := a.Login(context.Background(), Credentials{Username: "alice"}, nil)
		assert.ErrorContains(t, err, "no chrome")
	})
	t.Run("save", func(t *testing.T) {
		saver := &fakeSaver{err: errors.New("disk full")}
		a := New(&fakeOpener{page: loginPage(t)}, saver, testConfig(), nil)
		_, err := a.Login(context.Background(), Credentials{Username: "alice", Password: "pw"}, nil)
		assert.ErrorContains(t, err, "disk full")
	})
	t.Run("rejected is not saved", func(t *testing.T) {
		page := loginPage(t)
		page.NavigateFunc = func(url string) error {
			page.SetURL(DefaultConfig().LoginURL)
			return nil
		}
		saver := &fakeSaver{}
		a := New(&fakeOpener{page: page}, saver, testConfig(), nil)
		_, err := a.Login(context.Background(), Credentials{Username: "alice", Password: "pw"}, nil)
		require.ErrorIs(t, err, ErrLoginRejected)
		assert.Nil(t, saver.session)
	})
}
