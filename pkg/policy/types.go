package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity stop an apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. Every policy is
// queried for data.<package>.deny.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the declaration ID that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// String formats the violation for display.
func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("%s [%s]: %s", v.Policy, v.Severity, v.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", v.Policy, v.Severity, v.Resource, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a configuration error listing the blocking violations, or nil.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.String())
	}
	sort.Strings(msgs)
	return engine.NewConfigurationError("policy denied: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation("policy").
		WithDetail("violations", len(r.Violations))
}

// ResourceInput is one declaration as policies see it.
type ResourceInput struct {
	// ID is the declaration ID.
	ID string `json:"id"`

	// Type is the resource type.
	Type string `json:"type"`

	// Labels are the declaration's labels.
	Labels map[string]string `json:"labels,omitempty"`

	// Config is the decoded declaration body.
	Config map[string]interface{} `json:"config"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the command being run (e.g., "apply", "plan", "validate").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}

// input is the document bound to Rego's input for one declaration.
func input(r ResourceInput, c Context) map[string]interface{} {
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	res := map[string]interface{}{
		"id":     r.ID,
		"type":   r.Type,
		"config": cfg,
	}
	if r.Labels != nil {
		labels := make(map[string]interface{}, len(r.Labels))
		for k, v := range r.Labels {
			labels[k] = v
		}
		res["labels"] = labels
	}
	return map[string]interface{}{
		"resource": res,
		"context": map[string]interface{}{
			"timestamp": c.Timestamp.UTC().Format(time.RFC3339),
			"operation": c.Operation,
			"dry_run":   c.DryRun,
		},
	}
}
