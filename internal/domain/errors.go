package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrUnknownFunction         = errors.New("unknown function")
	ErrUnknownModel            = errors.New("unknown model")
	ErrUnknownVariant          = errors.New("unknown variant")
	ErrInvalidFunctionVariants = errors.New("function has no eligible variants")
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrUnsupportedModality     = errors.New("unsupported modality")
	ErrObjectExists            = errors.New("object already exists")
	ErrCacheMiss               = errors.New("cache miss")
	ErrGuardrailUnavailable    = errors.New("guardrail unavailable")
)

// ProviderError is a failure of one upstream call.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (model %s) failed with status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s (model %s) failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProvidersExhaustedError aggregates the failures of every provider bound to one model.
type ProvidersExhaustedError struct {
	Model  string
	Errors []error
}

func (e *ProvidersExhaustedError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("all providers failed for model %s: [%s]", e.Model, strings.Join(msgs, "; "))
}

func (e *ProvidersExhaustedError) Unwrap() []error {
	return e.Errors
}

// VariantAttempt is one failed variant in draw order.
type VariantAttempt struct {
	Variant string
	Err     error
}

// AllVariantsFailedError is returned when every candidate variant failed.
type AllVariantsFailedError struct {
	Function string
	Attempts []VariantAttempt
	Errors   map[string]error
}

func (e *AllVariantsFailedError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, fmt.Sprintf("%s: %v", a.Variant, a.Err))
	}
	return fmt.Sprintf("all variants failed for function %s: [%s]", e.Function, strings.Join(msgs, "; "))
}

func (e *AllVariantsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// StatusCode returns the first upstream status carried by a nested error, in draw order.
func (e *AllVariantsFailedError) StatusCode() (int, bool) {
	for _, a := range e.Attempts {
		if code, ok := upstreamStatus(a.Err); ok {
			return code, true
		}
	}
	return 0, false
}

func upstreamStatus(err error) (int, bool) {
	var exhausted *ProvidersExhaustedError
	if errors.As(err, &exhausted) {
		for _, nested := range exhausted.Errors {
			if code, ok := upstreamStatus(nested); ok {
				return code, true
			}
		}
		return 0, false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode >= http.StatusBadRequest {
		return providerErr.StatusCode, true
	}
	return 0, false
}

// PolicySource identifies which policy produced a denial.
type PolicySource string

const (
	PolicyAdmission   PolicySource = "admission"
	PolicyInputGuard  PolicySource = "input_guardrail"
	PolicyOutputGuard PolicySource = "output_guardrail"
)

// PolicyError is a guardrail or admission denial. It is never retried.
type PolicyError struct {
	Source PolicySource
	Rule   string
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request denied by %s", e.Source)
	}
	return fmt.Sprintf("request denied by %s: %s", e.Source, e.Reason)
}

// InferenceError carries the identity of a failed request.
type InferenceError struct {
	Identity InferenceIdentity
	Err      error
}

func (e *InferenceError) Error() string {
	return e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IdentityOf returns the inference identity attached to err, if any.
func IdentityOf(err error) (InferenceIdentity, bool) {
	var infErr *InferenceError
	if errors.As(err, &infErr) && infErr.Identity.InferenceID != uuid.Nil {
		return infErr.Identity, true
	}
	return InferenceIdentity{}, false
}

// IsTerminal reports whether err must stop variant fallback.
func IsTerminal(err error) bool {
	var policyErr *PolicyError
	return errors.As(err, &policyErr) || errors.Is(err, ErrGuardrailUnavailable)
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	var (
		policyErr  *PolicyError
		variants   *AllVariantsFailedError
		exhausted  *ProvidersExhaustedError
		providerEr *ProviderError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &policyErr):
		if policyErr.Source == PolicyAdmission {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case errors.As(err, &variants):
		if code, ok := variants.StatusCode(); ok {
			return code
		}
		return http.StatusBadGateway
	case errors.Is(err, ErrUnknownFunction), errors.Is(err, ErrUnknownModel), errors.Is(err, ErrUnknownVariant):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidFunctionVariants),
		errors.Is(err, ErrUnsupportedModality):
		return http.StatusBadRequest
	case errors.Is(err, ErrGuardrailUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &exhausted), errors.As(err, &providerEr):
		if code, ok := upstreamStatus(err); ok {
			return code
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType returns the client-facing error category.
func ErrorType(err error) string {
	var (
		policyErr *PolicyError
		variants  *AllVariantsFailedError
	)

	switch {
	case errors.As(err, &policyErr):
		if policyErr.Source == PolicyAdmission {
			return "request_blocked"
		}
		return "content_policy_violation"
	case errors.As(err, &variants):
		return "all_variants_failed"
	case errors.Is(err, ErrGuardrailUnavailable):
		return "guardrail_unavailable"
	}

	switch HTTPStatus(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusBadGateway:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
