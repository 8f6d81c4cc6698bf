package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
)

// fixedConfidence is reported for every successful execution; it is not
// derived from provider signals.
const fixedConfidence = 0.9

var roleForType = map[TaskType]registry.Role{
	TaskResearch:     registry.RoleResearcher,
	TaskAnalysis:     registry.RoleAnalyzer,
	TaskGeneration:   registry.RoleExecutor,
	TaskReview:       registry.RoleReviewer,
	TaskCoordination: registry.RoleCoordinator,
	TaskIntegration:  registry.RoleSpecialist,
}

// InferRole maps a task type to the role preferred for it.
func InferRole(t TaskType) registry.Role {
	if r, ok := roleForType[t]; ok {
		return r
	}
	return registry.RoleExecutor
}

// BuildPrompt renders a task into the provider prompt. Map keys are emitted
// in sorted order, so the same task and variables always give the same text.
func BuildPrompt(task *Task, vars map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Type != "" {
		fmt.Fprintf(&b, "Type: %s\n", task.Type)
	}
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Input.Instructions != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", task.Input.Instructions)
	}
	if len(task.Input.Context) > 0 {
		fmt.Fprintf(&b, "\nContext:\n%s\n", renderJSON(task.Input.Context))
	}
	if len(vars) > 0 {
		fmt.Fprintf(&b, "\nVariables:\n%s\n", renderJSON(vars))
	}
	if task.Input.Data != nil {
		fmt.Fprintf(&b, "\nInput:\n%s\n", renderJSON(task.Input.Data))
	}
	for i, ex := range task.Input.Examples {
		fmt.Fprintf(&b, "\nExample %d:\nInput: %s\nOutput: %s\n", i+1, renderJSON(ex.Input), renderJSON(ex.Output))
	}

	outType := task.ExpectedOutput.Type
	if outType == "" {
		outType = OutputText
	}
	fmt.Fprintf(&b, "\nExpected output type: %s\n", outType)
	if len(task.ExpectedOutput.Schema) > 0 {
		fmt.Fprintf(&b, "Output schema:\n%s\n", renderJSON(task.ExpectedOutput.Schema))
	}
	if outType == OutputJSON {
		b.WriteString("Respond with valid JSON only.\n")
	}

	c := task.Constraints
	if c.MaxTokens > 0 || c.MinQuality > 0 {
		b.WriteString("\nConstraints:\n")
		if c.MaxTokens > 0 {
			fmt.Fprintf(&b, "- Max tokens: %d\n", c.MaxTokens)
		}
		if c.MinQuality > 0 {
			fmt.Fprintf(&b, "- Minimum quality: %.2f\n", c.MinQuality)
		}
	}
	return b.String()
}

func renderJSON(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[\\w-]*\\s*\\n(.*?)\\n?```\\s*$")

// stripFence returns the body of a fenced code block, or s unchanged.
func stripFence(s string) (body string, fenced bool) {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return s, false
}

// ParseOutput converts raw provider text according to the expected type.
// Malformed JSON degrades to {"raw": text} with a text/plain data artifact;
// it never fails the task.
func ParseOutput(raw string, typ OutputType) (interface{}, []Artifact) {
	switch typ {
	case OutputJSON:
		body, _ := stripFence(raw)
		var v interface{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &v); err != nil {
			return map[string]interface{}{"raw": raw}, []Artifact{{
				ID:       uuid.New().String(),
				Type:     ArtifactData,
				Name:     "raw-output",
				MimeType: "text/plain",
				Content:  raw,
			}}
		}
		return v, nil
	case OutputCode:
		body, _ := stripFence(raw)
		return body, []Artifact{{
			ID:       uuid.New().String(),
			Type:     ArtifactCode,
			Name:     "code",
			MimeType: "text/plain",
			Content:  body,
		}}
	default:
		return raw, nil
	}
}

// isRawFallback reports whether ParseOutput degraded JSON to a raw wrapper.
func isRawFallback(v interface{}, arts []Artifact) bool {
	m, ok := v.(map[string]interface{})
	return ok && len(m) == 1 && m["raw"] != nil && len(arts) == 1 && arts[0].Name == "raw-output"
}

// validateOutput checks a parsed JSON output against the schema's required
// list and the declared validation rules.
func validateOutput(out interface{}, expected ExpectedOutput) []TaskError {
	var errs []TaskError
	obj, _ := out.(map[string]interface{})
	warn := func(format string, args ...interface{}) {
		errs = append(errs, newTaskError(CodeValidationFailed, fmt.Sprintf(format, args...), SeverityWarning, true))
	}

	if req, ok := expected.Schema["required"].([]interface{}); ok {
		for _, f := range req {
			name := fmt.Sprint(f)
			if _, present := obj[name]; !present {
				warn("missing required field %q", name)
			}
		}
	}

	for _, rule := range expected.Validation {
		val, present := obj[rule.Field]
		switch rule.Rule {
		case "required":
			if !present {
				warn("missing required field %q", rule.Field)
			}
		case "type":
			if present && jsonType(val) != fmt.Sprint(rule.Value) {
				warn("field %q is %s, want %v", rule.Field, jsonType(val), rule.Value)
			}
		case "enum":
			if !present {
				continue
			}
			allowed, _ := rule.Value.([]interface{})
			match := false
			for _, a := range allowed {
				if fmt.Sprint(a) == fmt.Sprint(val) {
					match = true
					break
				}
			}
			if !match {
				warn("field %q value %v not in %v", rule.Field, val, allowed)
			}
		}
	}
	return errs
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
