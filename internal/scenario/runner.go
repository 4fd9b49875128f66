package scenario

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/coord"
)

// Runner executes scenarios against one core.
type Runner struct {
	core    *coord.Core
	advance func(time.Duration)
	out     *printer.Printer
	logger  zerolog.Logger
	elapsed time.Duration
}

// NewRunner creates a runner. advance moves the core's clock forward and is
// what the advance op calls; out receives one line per step.
func NewRunner(core *coord.Core, advance func(time.Duration), out *printer.Printer, logger zerolog.Logger) *Runner {
	return &Runner{core: core, advance: advance, out: out, logger: logger}
}

// Run executes the steps in order and stops at the first step that errors
// unexpectedly or misses an expectation.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	r.elapsed = 0

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.out.Step("[%d/%d] %s\n", i+1, len(sc.Steps), step.Label())

		detail, err := r.runStep(ctx, step)
		if err != nil {
			r.logger.Debug().Int("step", i+1).Str("op", step.Op).Err(err).Msg("Scenario step failed")
			return nil, &StepError{Index: i + 1, Step: step.Label(), Err: err}
		}
		r.out.Detail("%s\n", detail)
	}

	return &Result{Scenario: sc.Name, Steps: len(sc.Steps), Elapsed: r.elapsed}, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) (string, error) {
	op := ops[step.Op]

	var client *coord.Client
	if step.Agent != "" {
		c, err := r.core.Client(step.Agent)
		if err != nil {
			return "", err
		}
		client = c
	}

	got, err := op.run(ctx, r, client, &step.With)
	if step.Expect.Error != "" {
		if err == nil {
			return "", fmt.Errorf("expected error containing %q, got success", step.Expect.Error)
		}
		if !strings.Contains(err.Error(), step.Expect.Error) {
			return "", fmt.Errorf("expected error containing %q, got: %w", step.Expect.Error, err)
		}
		return "failed as expected: " + err.Error(), nil
	}
	if err != nil {
		return "", err
	}
	if err := check(step.Expect, got); err != nil {
		return "", err
	}
	return got.detail, nil
}

// check compares an outcome with the step's expectations.
func check(want Expect, got outcome) error {
	if want.Ready != nil {
		if got.ready == nil {
			return fmt.Errorf("step does not report readiness")
		}
		if *got.ready != *want.Ready {
			return fmt.Errorf("expected ready=%t, got %t", *want.Ready, *got.ready)
		}
	}
	if want.Promoted != nil {
		w := slices.Clone(want.Promoted)
		g := slices.Clone(got.promoted)
		sort.Strings(w)
		sort.Strings(g)
		if !slices.Equal(w, g) {
			return fmt.Errorf("expected promoted %v, got %v", w, g)
		}
	}
	if want.Option != "" && got.option != want.Option {
		return fmt.Errorf("expected option %q, got %q", want.Option, got.option)
	}
	if want.Escalated != nil {
		if got.escalated == nil {
			return fmt.Errorf("step does not report escalation")
		}
		if *got.escalated != *want.Escalated {
			return fmt.Errorf("expected escalated=%t, got %t", *want.Escalated, *got.escalated)
		}
	}
	if want.Version != 0 && got.version != want.Version {
		return fmt.Errorf("expected version %d, got %d", want.Version, got.version)
	}
	if want.Empty && !got.empty {
		return fmt.Errorf("expected an empty inbox, got %s", describe(got))
	}
	if want.Type != "" || want.From != "" {
		if got.msg == nil {
			return fmt.Errorf("expected a message, got %s", describe(got))
		}
		if want.Type != "" && string(got.msg.Type) != want.Type {
			return fmt.Errorf("expected message type %s, got %s", want.Type, got.msg.Type)
		}
		if want.From != "" && got.msg.From != want.From {
			return fmt.Errorf("expected message from %s, got %s", want.From, got.msg.From)
		}
	}
	if want.Count != nil {
		if got.count == nil {
			return fmt.Errorf("step does not report a count")
		}
		if *got.count != *want.Count {
			return fmt.Errorf("expected count %d, got %d", *want.Count, *got.count)
		}
	}
	return nil
}

func describe(got outcome) string {
	if got.msg != nil {
		return fmt.Sprintf("%s from %s", got.msg.Type, got.msg.From)
	}
	if got.detail != "" {
		return got.detail
	}
	return "nothing"
}
