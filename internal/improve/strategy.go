package improve

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"goalforge/internal/store"
	"goalforge/internal/tools"
)

// selectStrategy picks the strongest applicable testing strategy from the
// tool's declared characteristics.
func selectStrategy(def tools.Definition) Strategy {
	ch := def.Characteristics
	switch {
	case ch.SafeForShadowTesting:
		return StrategyShadow
	case ch.Idempotent && !ch.SideEffects:
		return StrategyReplay
	case len(def.TestCases) > 0:
		return StrategySynthetic
	default:
		return StrategyManual
	}
}

// gate runs the selected strategy and reports whether its bar was met.
func (e *Engine) gate(ctx context.Context, strategy Strategy, tool *tools.Tool,
	newSource string, history []store.ToolInvocation) (TestReport, bool) {
	switch strategy {
	case StrategyShadow:
		return e.shadowTest(ctx, tool, newSource, history)
	case StrategyReplay:
		return e.replayTest(ctx, tool, newSource, history)
	case StrategySynthetic:
		return e.syntheticTest(ctx, tool, newSource)
	default:
		return TestReport{Strategy: strategy}, false
	}
}

// shadowTest runs old and new sources on the recorded inputs and demands
// near-total result agreement.
func (e *Engine) shadowTest(ctx context.Context, tool *tools.Tool, newSource string,
	history []store.ToolInvocation) (TestReport, bool) {
	report := TestReport{Strategy: StrategyShadow}
	if len(history) == 0 {
		report.Notes = append(report.Notes, "no recorded traffic to shadow")
		return report, false
	}

	agreements := 0
	for _, inv := range history {
		report.Total++
		oldOut, oldErr := e.sandbox.Execute(ctx, tool.Definition.Name, tool.Source, inv.Input)
		newOut, newErr := e.sandbox.Execute(ctx, tool.Definition.Name, newSource, inv.Input)

		if (oldErr == nil) != (newErr == nil) {
			report.Notes = append(report.Notes, fmt.Sprintf("input %s: error disagreement", clip(inv.Input, 80)))
			continue
		}
		if oldErr == nil {
			if diff := cmp.Diff(oldOut, newOut); diff != "" {
				report.Notes = append(report.Notes, fmt.Sprintf("input %s: output diverged", clip(inv.Input, 80)))
				continue
			}
		}
		agreements++
		report.Passed++
	}

	report.Agreement = float64(agreements) / float64(report.Total)
	return report, report.Agreement >= e.cfg.ShadowGate
}

// replayTest runs the new source against the recorded invocations. The bar
// is a pass rate at or above the replay gate AND zero regressions: any
// input the old version handled must still produce the recorded output.
func (e *Engine) replayTest(ctx context.Context, tool *tools.Tool, newSource string,
	history []store.ToolInvocation) (TestReport, bool) {
	report := TestReport{Strategy: StrategyReplay}
	if len(history) == 0 {
		report.Notes = append(report.Notes, "no recorded invocations to replay")
		return report, false
	}

	for _, inv := range history {
		report.Total++
		out, err := e.sandbox.Execute(ctx, tool.Definition.Name, newSource, inv.Input)
		if err != nil {
			if inv.Success {
				report.Regression++
				report.Notes = append(report.Notes, fmt.Sprintf("regression on input %s: %v", clip(inv.Input, 80), err))
			}
			continue
		}
		if inv.Success {
			if diff := cmp.Diff(inv.Output, out); diff != "" {
				report.Regression++
				report.Notes = append(report.Notes, fmt.Sprintf("regression on input %s: output changed", clip(inv.Input, 80)))
				continue
			}
		}
		report.Passed++
	}

	rate := float64(report.Passed) / float64(report.Total)
	return report, rate >= e.cfg.ReplayGate && report.Regression == 0
}

// syntheticTest runs the declared test cases. Every one must pass.
func (e *Engine) syntheticTest(ctx context.Context, tool *tools.Tool, newSource string) (TestReport, bool) {
	report := TestReport{Strategy: StrategySynthetic}
	cases := tool.Definition.TestCases
	if len(cases) == 0 {
		report.Notes = append(report.Notes, "no declared test cases")
		return report, false
	}

	for _, tc := range cases {
		report.Total++
		out, err := e.sandbox.Execute(ctx, tool.Definition.Name, newSource, tc.Input)
		if err != nil {
			report.Notes = append(report.Notes, fmt.Sprintf("case %s: %v", tc.Name, err))
			continue
		}
		if tc.Expect != "" {
			if diff := cmp.Diff(tc.Expect, out); diff != "" {
				report.Notes = append(report.Notes, fmt.Sprintf("case %s: unexpected output", tc.Name))
				continue
			}
		}
		report.Passed++
	}
	return report, report.Passed == report.Total
}
