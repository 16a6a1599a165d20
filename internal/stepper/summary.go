package stepper

import (
	"math"

	"github.com/pitabwire/stepper/model"
)

// Project derives the progress summary of a run. It reads only and is safe
// to call at any point, including right after a failed Advance.
//
// Totals are taken from the currently active step list, so the percentage
// tracks branch changes instead of a step count that later shrinks.
func Project(c *Controller) model.WorkflowSummary {
	completed := 0
	for _, id := range c.history {
		if c.isActive(id) {
			completed++
		}
	}
	if c.completed {
		completed++
	}
	total := len(c.active)

	var required, satisfied int
	for _, idx := range c.active {
		for _, d := range c.plan.steps[idx].def.Documents {
			if !d.Required {
				continue
			}
			required++
			if c.docs.Satisfied(d.ID) {
				satisfied++
			}
		}
	}

	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(completed) / float64(total) * 100))
	}

	return model.WorkflowSummary{
		CompletedSteps:             completed,
		TotalSteps:                 total,
		PercentComplete:            percent,
		SatisfiedRequiredDocuments: satisfied,
		TotalRequiredDocuments:     required,
		CurrentStep:                c.CurrentStep().ID,
		Completed:                  c.completed,
		DocumentsRevision:          c.docs.Revision(),
	}
}
