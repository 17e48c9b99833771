package domain_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
)

func TestHTTPStatus(t *testing.T) {
	variantsFailed := func(errs ...error) error {
		e := &domain.AllVariantsFailedError{Function: "chat", Errors: map[string]error{}}
		for i, err := range errs {
			name := fmt.Sprintf("v%d", i)
			e.Attempts = append(e.Attempts, domain.VariantAttempt{Variant: name, Err: err})
			e.Errors[name] = err
		}
		return e
	}

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil", err: nil, expected: http.StatusOK},
		{name: "invalid request", err: fmt.Errorf("%w: missing target", domain.ErrInvalidRequest), expected: http.StatusBadRequest},
		{name: "unknown function", err: domain.ErrUnknownFunction, expected: http.StatusNotFound},
		{name: "unknown variant", err: domain.ErrUnknownVariant, expected: http.StatusNotFound},
		{name: "no eligible variants", err: domain.ErrInvalidFunctionVariants, expected: http.StatusBadRequest},
		{name: "admission denial", err: &domain.PolicyError{Source: domain.PolicyAdmission}, expected: http.StatusForbidden},
		{name: "guardrail denial", err: &domain.PolicyError{Source: domain.PolicyOutputGuard}, expected: http.StatusBadRequest},
		{name: "guardrail outage", err: domain.ErrGuardrailUnavailable, expected: http.StatusServiceUnavailable},
		{
			name: "exhaustion surfaces the first upstream status",
			err: variantsFailed(
				&domain.ProviderError{Provider: "a", Err: errors.New("timeout")},
				&domain.ProvidersExhaustedError{Model: "m", Errors: []error{
					&domain.ProviderError{Provider: "b", StatusCode: http.StatusTooManyRequests, Err: errors.New("rate limited")},
				}},
				&domain.ProviderError{Provider: "c", StatusCode: http.StatusInternalServerError, Err: errors.New("boom")},
			),
			expected: http.StatusTooManyRequests,
		},
		{
			name:     "exhaustion without upstream status is a gateway error",
			err:      variantsFailed(&domain.ProviderError{Provider: "a", Err: errors.New("timeout")}),
			expected: http.StatusBadGateway,
		},
		{
			name:     "exhaustion ignores config errors nested in attempts",
			err:      variantsFailed(fmt.Errorf("%w: gone", domain.ErrUnknownModel)),
			expected: http.StatusBadGateway,
		},
		{
			name: "identity wrapper is transparent",
			err: &domain.InferenceError{
				Identity: domain.InferenceIdentity{InferenceID: uuid.New()},
				Err:      domain.ErrUnknownFunction,
			},
			expected: http.StatusNotFound,
		},
		{name: "unclassified", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, domain.HTTPStatus(tt.err))
		})
	}
}

func TestInferenceRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.InferenceRequest
		wantErr bool
	}{
		{name: "function target", req: domain.InferenceRequest{FunctionName: "f"}},
		{name: "model target", req: domain.InferenceRequest{ModelName: "m"}},
		{name: "pinned function", req: domain.InferenceRequest{FunctionName: "f", VariantName: "v"}},
		{name: "no target", req: domain.InferenceRequest{}, wantErr: true},
		{name: "both targets", req: domain.InferenceRequest{FunctionName: "f", ModelName: "m"}, wantErr: true},
		{name: "pin with model target", req: domain.InferenceRequest{ModelName: "m", VariantName: "v"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
		})
	}
}
