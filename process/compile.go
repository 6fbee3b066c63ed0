package process

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var ErrInvalidProcess = errors.New("invalid process")

// Compile assigns missing activity ids, builds the activity index and
// validates the graph. All problems found are reported together.
func (p *Process) Compile(eval *Evaluator) error {
	if p.compiled {
		return nil
	}

	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProcess)
	}

	if p.Activity == nil {
		return fmt.Errorf("%w: process %s has no activity", ErrInvalidProcess, p.ID)
	}

	p.activities = map[string]*Activity{}
	p.parents = map[string]*Activity{}

	var err error

	n := 0
	p.Activity.Walk(func(a *Activity) {
		n++
		if a.ID == "" {
			a.ID = fmt.Sprintf("%s%d", a.Kind, n)
		}

		if _, ok := p.activities[a.ID]; ok {
			err = multierr.Append(err, fmt.Errorf("duplicate activity id %q", a.ID))
		}

		p.activities[a.ID] = a
	})

	p.Activity.Walk(func(a *Activity) {
		for _, c := range a.Children() {
			p.parents[c.ID] = a
		}
	})

	err = multierr.Append(err, p.validateLinks())

	creates := false
	p.Activity.Walk(func(a *Activity) {
		err = multierr.Append(err, p.validateActivity(a, eval))
		creates = creates || a.CreateInstance
	})

	if !creates {
		err = multierr.Append(err, errors.New("no activity creates an instance"))
	}

	for _, cs := range p.CorrelationSets {
		for _, prop := range cs.Properties {
			if p.Property(prop) == nil {
				err = multierr.Append(err, fmt.Errorf("correlation set %s: unknown property %q", cs.Name, prop))
			}
		}
	}

	for _, pr := range p.Properties {
		for _, a := range pr.Aliases {
			if _, cerr := eval.Compile(a.Query); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("property %s: alias for %s.%s: %w", pr.Name, a.PartnerLink, a.Operation, cerr))
			}
		}
	}

	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidProcess, p.ID, err)
	}

	p.compiled = true

	return nil
}

func (p *Process) validateActivity(a *Activity, eval *Evaluator) error {
	var err error

	check := func(what, expression string) {
		if expression == "" {
			return
		}

		if _, cerr := eval.Compile(expression); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("activity %s: %s: %w", a.ID, what, cerr))
		}
	}

	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("activity %s: "+format, append([]any{a.ID}, args...)...))
	}

	checkMessaging := func(plink, op string, correlations []*CorrelationRef) {
		if p.PartnerLink(plink) == nil {
			fail("unknown partner link %q", plink)
		}

		if op == "" {
			fail("missing operation")
		}

		for _, c := range correlations {
			if p.CorrelationSet(c.Set) == nil {
				fail("unknown correlation set %q", c.Set)
			}
		}
	}

	check("join condition", a.JoinCondition)
	for _, s := range a.Sources {
		check("transition condition", s.Condition)
	}

	if a.CreateInstance && a.Kind != KindReceive && a.Kind != KindPick {
		fail("only receive and pick can create instances")
	}

	switch a.Kind {
	case KindEmpty, KindSequence, KindFlow:
	case KindScope:
		if a.Body == nil {
			fail("scope without body")
		}
	case KindWhile:
		if a.Body == nil {
			fail("while without body")
		}

		if a.Condition == "" {
			fail("while without condition")
		}

		check("condition", a.Condition)
	case KindIf:
		if a.Condition == "" {
			fail("if without condition")
		}

		check("condition", a.Condition)
	case KindInvoke:
		checkMessaging(a.PartnerLink, a.Operation, a.Correlations)
	case KindReceive:
		checkMessaging(a.PartnerLink, a.Operation, a.Correlations)
	case KindReply:
		checkMessaging(a.PartnerLink, a.Operation, nil)
	case KindPick:
		if len(a.OnMessages) == 0 {
			fail("pick without onMessage")
		}

		for _, m := range a.OnMessages {
			checkMessaging(m.PartnerLink, m.Operation, m.Correlations)
			if m.Activity == nil {
				fail("onMessage %s without activity", m.Operation)
			}
		}

		for _, al := range a.OnAlarms {
			if al.Activity == nil {
				fail("onAlarm without activity")
			}

			if al.For <= 0 && al.Until == "" {
				fail("onAlarm needs for or until")
			}

			check("alarm", al.Until)
		}
	case KindAssign:
		for _, c := range a.Copies {
			if c.To == "" {
				fail("copy without target")
			}

			check("copy", c.From)
		}
	case KindWait:
		if a.For <= 0 && a.Until == "" {
			fail("wait needs for or until")
		}

		check("until", a.Until)
	case KindThrow:
		if a.FaultName == "" {
			fail("throw without fault name")
		}
	default:
		fail("unknown kind %q", a.Kind)
	}

	return err
}

// validateLinks checks that every link is declared by exactly one flow and
// has exactly one source and one target inside that flow.
func (p *Process) validateLinks() error {
	var err error

	declared := map[string]*Activity{}
	p.Activity.Walk(func(a *Activity) {
		for _, l := range a.Links {
			if _, ok := declared[l]; ok {
				err = multierr.Append(err, fmt.Errorf("link %q declared twice", l))
			}

			if a.Kind != KindFlow {
				err = multierr.Append(err, fmt.Errorf("activity %s: only flows declare links", a.ID))
			}

			declared[l] = a
		}
	})

	sources := map[string]string{}
	targets := map[string]string{}

	p.Activity.Walk(func(a *Activity) {
		for _, s := range a.Sources {
			if prev, ok := sources[s.Link]; ok {
				err = multierr.Append(err, fmt.Errorf("link %q has two sources: %s and %s", s.Link, prev, a.ID))
			}

			sources[s.Link] = a.ID
		}

		for _, t := range a.Targets {
			if prev, ok := targets[t]; ok {
				err = multierr.Append(err, fmt.Errorf("link %q has two targets: %s and %s", t, prev, a.ID))
			}

			targets[t] = a.ID
		}
	})

	for l, flow := range declared {
		src, ok := sources[l]
		if !ok {
			err = multierr.Append(err, fmt.Errorf("link %q has no source", l))
			continue
		}

		tgt, ok := targets[l]
		if !ok {
			err = multierr.Append(err, fmt.Errorf("link %q has no target", l))
			continue
		}

		if !p.within(flow, src) || !p.within(flow, tgt) {
			err = multierr.Append(err, fmt.Errorf("link %q leaves flow %s", l, flow.ID))
		}
	}

	for l := range sources {
		if _, ok := declared[l]; !ok {
			err = multierr.Append(err, fmt.Errorf("link %q is not declared", l))
		}
	}

	for l := range targets {
		if _, ok := declared[l]; !ok {
			err = multierr.Append(err, fmt.Errorf("link %q is not declared", l))
		}
	}

	return err
}

// within reports whether the activity id is nested in (or equal to) root.
func (p *Process) within(root *Activity, id string) bool {
	for a := p.activities[id]; a != nil; a = p.parents[a.ID] {
		if a == root {
			return true
		}
	}

	return false
}

// Subtree returns a and all activities nested in it.
func Subtree(a *Activity) []*Activity {
	var r []*Activity
	a.Walk(func(x *Activity) {
		r = append(r, x)
	})

	return r
}
