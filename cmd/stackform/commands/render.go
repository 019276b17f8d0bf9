package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/stackform/stackform/pkg/engine"
	"github.com/stackform/stackform/pkg/policy"
)

var verbGlyphs = map[engine.Verb]string{
	engine.VerbCreate:  "+",
	engine.VerbUpdate:  "~",
	engine.VerbReplace: "±",
	engine.VerbDestroy: "-",
	engine.VerbNoOp:    " ",
}

// renderPlan writes a human-readable plan listing, wave by wave.
func renderPlan(w io.Writer, plan *engine.Plan) {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(plan)
		return
	}

	if plan.IsEmpty() {
		fmt.Fprintln(w, "No changes. Recorded state matches the declarations.")
		return
	}

	fmt.Fprintf(w, "Plan %s\n", plan.ID)
	for i, wave := range plan.Waves {
		fmt.Fprintf(w, "  wave %d:\n", i+1)
		for _, action := range wave {
			if action.Verb == engine.VerbNoOp {
				continue
			}
			phase := ""
			if action.Verb == engine.VerbReplace {
				if action.DestroyPhase {
					phase = " (destroy old)"
				} else {
					phase = " (create new)"
				}
			}
			fmt.Fprintf(w, "    %s %s %s%s\n",
				verbGlyphs[action.Verb], action.Verb, action.Identity, phase)
		}
	}
	s := plan.Summary
	fmt.Fprintf(w, "Summary: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged.\n",
		s.Create, s.Update, s.Replace, s.Destroy, s.NoOp)
}

// renderReport writes the per-action outcomes of one apply run.
func renderReport(w io.Writer, report *engine.RunReport) {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}

	for _, result := range report.Results {
		if result.Verb == engine.VerbNoOp {
			continue
		}
		line := fmt.Sprintf("  %-9s %-8s %s", result.Verb, result.Outcome, result.Identity)
		if result.Retries > 0 {
			line += fmt.Sprintf(" (retries: %d)", result.Retries)
		}
		if result.Error != nil {
			line += fmt.Sprintf(": %s", result.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "Run %s %s in %s.\n", report.RunID, report.Status, report.Duration.Round(time.Millisecond))
}

// renderViolations writes policy findings, blocking errors first.
func renderViolations(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  policy %s [%s]: %s", v.Policy, v.Severity, v.Message)
		if v.Resource != "" {
			fmt.Fprintf(w, " (%s)", v.Resource)
		}
		fmt.Fprintln(w)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  policy warning: %s\n", warn)
	}
}
