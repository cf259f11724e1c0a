package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this layer.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTooCostly    = "too-costly"
)

// OperationOutcome is returned by FHIR servers to explain failures.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return NewOutcomeBuilder().AddIssue(severity, code, diagnostics).Build()
}

// NotSupportedOutcome creates an OperationOutcome for unsupported interactions.
func NotSupportedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, diagnostics)
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithDetails adds an issue with a CodeableConcept details field.
func (b *OutcomeBuilder) AddIssueWithDetails(severity, code, diagnostics string, details *CodeableConcept) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Details:     details,
	})
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics (or details text) of every issue.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			parts = append(parts, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			parts = append(parts, issue.Details.Text)
		default:
			parts = append(parts, issue.Code)
		}
	}
	return strings.Join(parts, "; ")
}

// parseOutcome returns the OperationOutcome in body, or nil.
func parseOutcome(body []byte) *OperationOutcome {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil
	}
	return &oo
}
