package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dmharvest/internal/surface"
	"dmharvest/internal/surface/surfacetest"
)

var (
	selSuspicious = surface.TextXPath("Suspicious login prevented")
	selGotIt      = surface.TextXPath("Got it")
	selCode       = surface.TextXPath("Enter code")
	selEmail      = surface.TextXPath("Confirmation code")
	selPhoneEmail = surface.TextXPath("Phone or email")
	selNext       = surface.TextXPath("Next")
)

func newTestResolver(page surface.Page, logger *zap.Logger) *Resolver {
	r := NewResolver(page, nil, DefaultTiming(), logger)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

func TestDefaultTableOrder(t *testing.T) {
	var names []string
	for _, d := range DefaultTable() {
		names = append(names, d.Name)
	}
	want := []string{
		"suspicious_login",
		"authentication_code",
		"email_verification",
		"phone-email",
		"phone_verification",
		"phone_verify_identity",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("DefaultTable() order mismatch (-want +got):\n%s", diff)
	}

	for _, d := range DefaultTable() {
		switch d.Action {
		case ActionClick:
			assert.NotEmpty(t, d.ActionSelector, d.Name)
		case ActionInput:
			assert.NotEmpty(t, d.Prompt, d.Name)
			assert.Equal(t, selNext, d.SubmitSelector, d.Name)
		default:
			t.Errorf("%s: unexpected action %q", d.Name, d.Action)
		}
	}
}

func TestCheckNoChallenge(t *testing.T) {
	page := surfacetest.NewPage()
	r := newTestResolver(page, nil)

	_, ok, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, page.Probes(), len(DefaultTable()), "every descriptor probed once")
}

func TestCheckFirstMatchWins(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selEmail, selPhoneEmail)
	r := newTestResolver(page, nil)

	m, ok, err := r.Check(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "email_verification", m.Descriptor.Name)

	want := []string{selSuspicious, selCode, selEmail}
	if diff := cmp.Diff(want, page.Probes()); diff != "" {
		t.Errorf("probe order mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckInputSelectorOverride(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show("#sig", "input[name=code]")
	table := []Descriptor{{Name: "custom", Selector: "#sig", Action: ActionInput, InputSelector: "input[name=code]"}}
	r := NewResolver(page, table, DefaultTiming(), nil)

	m, ok, err := r.Check(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	el, isFake := m.Target.(*surfacetest.Element)
	require.True(t, isFake)
	assert.Equal(t, "input[name=code]", el.Selector())
}

func TestCheckSessionClosedIsFatal(t *testing.T) {
	page := surfacetest.NewPage()
	page.Kill()
	r := newTestResolver(page, nil)

	_, _, err := r.Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, surface.ErrSessionClosed))
}

func TestResolveTwoInputCycles(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selCode, selNext)
	page.OnFill = func(p *surfacetest.Page, selector, _ string) {
		switch selector {
		case selCode:
			p.Hide(selCode)
			p.Show(selPhoneEmail)
		case selPhoneEmail:
			p.Hide(selPhoneEmail)
		}
	}

	var prompts []string
	answers := []string{"123456", "me@example.com"}
	provider := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return answers[len(prompts)-1], nil
	}

	core, logs := observer.New(zapcore.InfoLevel)
	r := newTestResolver(page, zap.New(core))

	cycles, err := r.Resolve(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, 2, cycles)
	assert.Equal(t, []string{"Enter 2FA code:", "Enter email or phone number:"}, prompts)

	want := []surfacetest.Action{
		{Kind: "focus", Selector: selCode},
		{Kind: "fill", Selector: selCode, Value: "123456"},
		{Kind: "activate", Selector: selNext},
		{Kind: "focus", Selector: selPhoneEmail},
		{Kind: "fill", Selector: selPhoneEmail, Value: "me@example.com"},
		{Kind: "activate", Selector: selNext},
	}
	if diff := cmp.Diff(want, page.Actions()); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 2, logs.FilterMessage("challenge_found").Len())
	assert.Equal(t, 2, logs.FilterMessage("awaiting_input").Len())
	assert.Equal(t, 1, logs.FilterMessage("resolved").Len())
}

func TestResolveClickDoesNotConsultProvider(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selSuspicious, selGotIt)
	page.OnActivate = func(p *surfacetest.Page, selector string) {
		if selector == selGotIt {
			p.Hide(selSuspicious, selGotIt)
		}
	}
	r := newTestResolver(page, nil)

	called := false
	cycles, err := r.Resolve(context.Background(), func(context.Context, string) (string, error) {
		called = true
		return "", nil
	})
	require.NoError(t, err)
	assert.Zero(t, cycles)
	assert.False(t, called)
	assert.Equal(t, []surfacetest.Action{{Kind: "activate", Selector: selGotIt}}, page.Actions())
}

func TestResolveClickThenInput(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selSuspicious, selGotIt, selNext)
	page.OnActivate = func(p *surfacetest.Page, selector string) {
		if selector == selGotIt {
			p.Hide(selSuspicious, selGotIt)
			p.Show(selCode)
		}
	}
	page.OnFill = func(p *surfacetest.Page, selector, _ string) { p.Hide(selector) }
	r := newTestResolver(page, nil)

	cycles, err := r.Resolve(context.Background(), func(context.Context, string) (string, error) { return "000000", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, cycles)
}

func TestResolveClickTargetMissingIsNoMatch(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selSuspicious)
	r := newTestResolver(page, nil)

	cycles, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, cycles)
	assert.Empty(t, page.Actions())
}

func TestResolveMissingSubmitIsNotFatal(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selCode)
	page.OnFill = func(p *surfacetest.Page, selector, _ string) { p.Hide(selector) }
	r := newTestResolver(page, nil)

	cycles, err := r.Resolve(context.Background(), func(context.Context, string) (string, error) { return "1", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, cycles)
}

func TestResolveWithoutProvider(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selCode)
	r := newTestResolver(page, nil)

	_, err := r.Resolve(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInputRequired))
	assert.Contains(t, err.Error(), "authentication_code")
}

func TestResolveProviderErrorPropagates(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selCode)
	r := newTestResolver(page, nil)

	_, err := r.Resolve(context.Background(), func(context.Context, string) (string, error) {
		return "", context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, page.Actions())
}

func TestResolveSessionDiesMidway(t *testing.T) {
	page := surfacetest.NewPage()
	page.Show(selCode, selNext)
	page.OnFill = func(p *surfacetest.Page, _, _ string) { p.Kill() }
	r := newTestResolver(page, nil)

	cycles, err := r.Resolve(context.Background(), func(context.Context, string) (string, error) { return "1", nil })
	require.Error(t, err)
	assert.True(t, surface.IsFatal(err))
	assert.Zero(t, cycles)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
