package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/pkg/schema"
)

// validateSemantic checks what the structural schema cannot: every step is
// accepted by its executor and the trigger carries what its type needs.
func validateSemantic(wf *schema.Workflow, stepsChk StepChecker, filters FilterChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	validateTrigger(wf.Trigger, filters, result)

	for i, step := range wf.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if stepsChk == nil {
			if !step.Kind.Valid() {
				result.AddError(path+"/kind", schema.ErrCodeInvalidStepDefinition,
					fmt.Sprintf("step %d: unknown step kind %q", i, step.Kind))
			}
			continue
		}
		if err := stepsChk.Validate(step); err != nil {
			result.AddError(path+"/config", schema.ErrCodeInvalidStepDefinition,
				fmt.Sprintf("step %d (%s): %s", i, step.Kind, message(err)))
		}
	}
	return result
}

func validateTrigger(t schema.Trigger, filters FilterChecker, result *schema.ValidationResult) {
	switch t.Type {
	case schema.TriggerSchedule:
		if _, err := scheduler.ParseCron(t.CronExpression); err != nil {
			result.AddError("/trigger/cron", schema.ErrCodeInvalidTrigger, message(err))
		}
	case schema.TriggerWebhook:
		if t.WebhookID == "" {
			result.AddError("/trigger/webhookId", schema.ErrCodeInvalidTrigger, "webhook trigger requires a webhookId")
		}
	}

	if t.Type != schema.TriggerSchedule && t.CronExpression != "" {
		result.AddWarning("/trigger/cron", schema.ErrCodeInvalidTrigger,
			fmt.Sprintf("cron is ignored for %s triggers", t.Type))
	}
	if t.Filter != "" {
		if t.Type == schema.TriggerSchedule || t.Type == schema.TriggerManual {
			result.AddWarning("/trigger/filter", schema.ErrCodeInvalidTrigger,
				fmt.Sprintf("filter is ignored for %s triggers", t.Type))
		}
		if filters != nil {
			if err := filters.Validate(t.Filter); err != nil {
				result.AddError("/trigger/filter", schema.ErrCodeInvalidTrigger, message(err))
			}
		}
	}
}

func message(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
