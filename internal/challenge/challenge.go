// Package challenge detects and resolves the interactive verification steps that can
// interrupt a sign-in flow.
//
// Challenges are described declaratively by an ordered table of Descriptors. Every poll
// cycle probes the table in order and the first visible signature wins, so earlier entries
// take precedence when signatures overlap. Challenges with no descriptor are invisible to
// the Resolver: it returns once its table stops matching, and an undeclared challenge that
// blocks progress stalls whatever flow runs after it.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/surface"
)

// ErrInputRequired is returned when an input challenge is found but no provider was given.
var ErrInputRequired = errors.New("challenge: input required but no provider configured")

// Action is what resolving a matched challenge takes.
type Action string

const (
	// ActionClick dismisses the challenge by activating ActionSelector.
	ActionClick Action = "click"
	// ActionInput asks the InputProvider for a value and submits it.
	ActionInput Action = "input"
)

// Descriptor declares one known challenge.
type Descriptor struct {
	Name     string
	Selector string // visible signature
	Action   Action
	Prompt   string // shown to the InputProvider

	ActionSelector string // click target, ActionClick only
	SubmitSelector string // optional, ActionInput only
	// InputSelector overrides the input target; empty means the matched signature element.
	InputSelector string
}

// DefaultTable returns the known x.com sign-in challenges in precedence order.
func DefaultTable() []Descriptor {
	next := surface.TextXPath("Next")
	return []Descriptor{
		{
			Name:           "suspicious_login",
			Selector:       surface.TextXPath("Suspicious login prevented"),
			Action:         ActionClick,
			ActionSelector: surface.TextXPath("Got it"),
		},
		{
			Name:           "authentication_code",
			Selector:       surface.TextXPath("Enter code"),
			Action:         ActionInput,
			Prompt:         "Enter 2FA code:",
			SubmitSelector: next,
		},
		{
			Name:           "email_verification",
			Selector:       surface.TextXPath("Confirmation code"),
			Action:         ActionInput,
			Prompt:         "Enter email verification code:",
			SubmitSelector: next,
		},
		{
			Name:           "phone-email",
			Selector:       surface.TextXPath("Phone or email"),
			Action:         ActionInput,
			Prompt:         "Enter email or phone number:",
			SubmitSelector: next,
		},
		{
			Name:           "phone_verification",
			Selector:       surface.TextXPath("Verify your phone"),
			Action:         ActionInput,
			Prompt:         "Enter phone verification code:",
			SubmitSelector: next,
		},
		{
			Name:           "phone_verify_identity",
			Selector:       surface.TextXPath("Phone number"),
			Action:         ActionInput,
			Prompt:         "Enter the phone number",
			SubmitSelector: next,
		},
	}
}

// InputProvider supplies the value for an input challenge. It may block for as long as a
// human needs; callers bound it through ctx.
type InputProvider func(ctx context.Context, prompt string) (string, error)

// Timing bounds every wait the Resolver performs. The InputProvider call is the only
// unbounded step.
type Timing struct {
	Probe     time.Duration // per-descriptor signature wait
	Action    time.Duration // click target wait
	Submit    time.Duration // submit target wait
	FillPause time.Duration // between focus and fill
	Grace     time.Duration // fixed wait after submitting
	Settle    time.Duration // load-quiescence bound after the grace period
}

// DefaultTiming returns the timing used against the live site.
func DefaultTiming() Timing {
	return Timing{
		Probe:     time.Second,
		Action:    time.Second,
		Submit:    10 * time.Second,
		FillPause: 500 * time.Millisecond,
		Grace:     3 * time.Second,
		Settle:    10 * time.Second,
	}
}

// Match is a detected challenge together with the element the resolution acts on:
// the click target for ActionClick, the input target for ActionInput.
type Match struct {
	Descriptor Descriptor
	Target     surface.Element
}

// Resolver drives one page through its pending challenges.
type Resolver struct {
	page   surface.Page
	table  []Descriptor
	timing Timing
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a Resolver over page. A nil table means DefaultTable.
func NewResolver(page surface.Page, table []Descriptor, timing Timing, logger *zap.Logger) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	return &Resolver{
		page:   page,
		table:  table,
		timing: timing,
		logger: logging.OrNop(logger),
		sleep:  sleepCtx,
	}
}

// Check probes the table in order and returns the first visible challenge. No match is
// reported as ok == false with a nil error; only session-level failures are returned.
func (r *Resolver) Check(ctx context.Context) (Match, bool, error) {
	r.logger.Debug("scanning", zap.Int("descriptors", len(r.table)))

	for _, d := range r.table {
		el, err := r.page.WaitVisible(ctx, d.Selector, r.timing.Probe)
		if err != nil {
			if surface.IsFatal(err) {
				return Match{}, false, fmt.Errorf("probe %s: %w", d.Name, err)
			}
			if !surface.IsAbsent(err) {
				r.logger.Debug("probe failed", zap.String("challenge", d.Name), zap.Error(err))
			}
			continue
		}

		target, err := r.target(ctx, d, el)
		if err != nil {
			if surface.IsFatal(err) {
				return Match{}, false, fmt.Errorf("locate %s target: %w", d.Name, err)
			}
			r.logger.Debug("challenge target missing", zap.String("challenge", d.Name), zap.Error(err))
			continue
		}

		r.logger.Info("challenge_found", zap.String("challenge", d.Name), zap.String("action", string(d.Action)))
		return Match{Descriptor: d, Target: target}, true, nil
	}

	return Match{}, false, nil
}

func (r *Resolver) target(ctx context.Context, d Descriptor, signature surface.Element) (surface.Element, error) {
	switch d.Action {
	case ActionClick:
		return r.page.WaitVisible(ctx, d.ActionSelector, r.timing.Action)
	case ActionInput:
		if d.InputSelector == "" {
			return signature, nil
		}
		return r.page.WaitVisible(ctx, d.InputSelector, r.timing.Probe)
	default:
		return nil, fmt.Errorf("unknown action %q", d.Action)
	}
}

// Resolve handles challenges until Check stops matching and returns the number of input
// cycles performed. Detection timeouts never fail the call.
func (r *Resolver) Resolve(ctx context.Context, provider InputProvider) (int, error) {
	cycles := 0
	for {
		m, ok, err := r.Check(ctx)
		if err != nil {
			return cycles, err
		}
		if !ok {
			r.logger.Info("resolved", zap.Int("input_cycles", cycles))
			return cycles, nil
		}

		switch m.Descriptor.Action {
		case ActionClick:
			if err := r.click(ctx, m); err != nil {
				return cycles, err
			}
		case ActionInput:
			if provider == nil {
				return cycles, fmt.Errorf("%s: %w", m.Descriptor.Name, ErrInputRequired)
			}
			if err := r.input(ctx, m, provider); err != nil {
				return cycles, err
			}
			cycles++
		}
	}
}

func (r *Resolver) click(ctx context.Context, m Match) error {
	r.logger.Info("submitting", zap.String("challenge", m.Descriptor.Name))
	if err := m.Target.Activate(ctx); err != nil {
		if surface.IsFatal(err) {
			return fmt.Errorf("activate %s: %w", m.Descriptor.Name, err)
		}
		r.logger.Warn("activate failed", zap.String("challenge", m.Descriptor.Name), zap.Error(err))
	}
	return r.settle(ctx)
}

func (r *Resolver) input(ctx context.Context, m Match, provider InputProvider) error {
	name := m.Descriptor.Name
	r.logger.Info("awaiting_input", zap.String("challenge", name))

	value, err := provider(ctx, m.Descriptor.Prompt)
	if err != nil {
		return fmt.Errorf("input for %s: %w", name, err)
	}

	r.logger.Info("submitting", zap.String("challenge", name))
	if err := r.fill(ctx, m.Target, value); err != nil {
		if surface.IsFatal(err) {
			return fmt.Errorf("fill %s: %w", name, err)
		}
		r.logger.Warn("fill failed", zap.String("challenge", name), zap.Error(err))
	}

	if sel := m.Descriptor.SubmitSelector; sel != "" {
		if err := r.submit(ctx, sel); err != nil {
			if surface.IsFatal(err) {
				return fmt.Errorf("submit %s: %w", name, err)
			}
			r.logger.Warn("submit target unavailable", zap.String("challenge", name), zap.Error(err))
		}
	}

	if err := r.sleep(ctx, r.timing.Grace); err != nil {
		return err
	}
	return r.settle(ctx)
}

func (r *Resolver) fill(ctx context.Context, el surface.Element, value string) error {
	if err := el.Focus(ctx); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.timing.FillPause); err != nil {
		return err
	}
	return el.Fill(ctx, value)
}

func (r *Resolver) submit(ctx context.Context, selector string) error {
	btn, err := r.page.WaitVisible(ctx, selector, r.timing.Submit)
	if err != nil {
		return err
	}
	return btn.Activate(ctx)
}

// settle waits for load quiescence. Only session-level failures are returned.
func (r *Resolver) settle(ctx context.Context) error {
	if err := r.page.WaitSettled(ctx, r.timing.Settle); err != nil {
		if surface.IsFatal(err) {
			return err
		}
		r.logger.Debug("settle incomplete", zap.Error(err))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
