package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// DefaultMaxProgramSize is the source size ceiling applied when the manager
// is constructed without an explicit limit.
const DefaultMaxProgramSize = 1 << 20 // 1 MiB, matching the delivery contract

// AdmissionPolicy is consulted after the structural checks pass. A non-nil
// error denies admission; the validator wraps it as a policy denial.
type AdmissionPolicy interface {
	Admit(ctx context.Context, spec Spec) error
}

// Validator performs program admission checks: size ceiling, checksum
// verification, syntax parse, and optional policy admission.
type Validator struct {
	maxSize int
	policy  AdmissionPolicy
}

// NewValidator creates a validator with the given source size ceiling.
// A non-positive maxSize falls back to DefaultMaxProgramSize.
func NewValidator(maxSize int, policy AdmissionPolicy) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxProgramSize
	}
	return &Validator{maxSize: maxSize, policy: policy}
}

// Checksum returns the hex-encoded SHA-256 of the source text.
func Checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Validate checks a program spec and returns the parsed source on success.
// Checks run cheapest-first; the first failure wins.
func (v *Validator) Validate(ctx context.Context, spec Spec) (*syntax.File, error) {
	if strings.TrimSpace(spec.Source) == "" {
		return nil, NewValidationError("empty program", nil).
			WithCode(ErrCodeSyntaxError).WithProgram(spec.ID)
	}

	if len(spec.Source) > v.maxSize {
		return nil, NewValidationError(
			fmt.Sprintf("program source is %d bytes, ceiling is %d", len(spec.Source), v.maxSize), nil).
			WithCode(ErrCodeProgramTooLarge).WithProgram(spec.ID)
	}

	if spec.Checksum != "" && !strings.EqualFold(Checksum(spec.Source), spec.Checksum) {
		return nil, NewValidationError("checksum does not match source", nil).
			WithCode(ErrCodeChecksumMismatch).WithProgram(spec.ID)
	}

	file, err := syntax.Parse(spec.ID+".star", spec.Source, 0)
	if err != nil {
		return nil, NewValidationError("syntax error", err).
			WithCode(ErrCodeSyntaxError).WithProgram(spec.ID)
	}

	if v.policy != nil {
		if err := v.policy.Admit(ctx, spec); err != nil {
			return nil, NewValidationError("denied by admission policy", err).
				WithCode(ErrCodePolicyDenied).WithProgram(spec.ID)
		}
	}

	return file, nil
}
