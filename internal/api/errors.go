package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/rendis/autoflow/pkg/schema"
)

// statusForCode maps error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeWorkflowNotFound, schema.ErrCodeRunNotFound, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeWorkflowDisabled, schema.ErrCodeRunNotCancellable, schema.ErrCodeConflict,
		schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeInvalidStepDefinition, schema.ErrCodeInvalidTrigger:
		return http.StatusBadRequest
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// problemFor renders err as an RFC 7807 problem. Internal errors do not
// expose their message.
func problemFor(c fiber.Ctx, err error) (int, *problems.DefaultProblem) {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		status := statusForCode(fe.Code)
		p := problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(strings.ToLower(fe.Code))
		if status == http.StatusInternalServerError {
			return status, p.WithDetail("internal error")
		}
		return status, p.WithDetail(fe.Message)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, problems.NewStatusProblem(fiberErr.Code).
			WithInstance(c.Path()).
			WithDetail(fiberErr.Message)
	}

	return http.StatusInternalServerError, problems.NewStatusProblem(http.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithDetail("internal error")
}

func badRequest(detail string) error {
	return schema.NewError(schema.ErrCodeValidation, detail)
}
