package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
)

// celEnv builds a fresh environment on every call, and rules are compiled
// per evaluation, which keeps the engine stateless.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// evalCustomRules runs the optional CEL rules over a map-shaped view of
// the dependency set. A rule returning false adds a violation; rules can
// only add violations, never clear one.
func evalCustomRules(doc *models.PolicyDocument, input Input) ([]models.Violation, error) {
	if len(doc.CustomRules) == 0 {
		return nil, nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, faults.Wrap(faults.CategoryInternal, "cel_env", "failed to create CEL environment", err)
	}

	view := inputToMap(input)

	var out []models.Violation
	for _, rule := range doc.CustomRules {
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "policy_malformed",
				fmt.Sprintf("custom rule %q does not compile", rule.Name), issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "policy_malformed",
				fmt.Sprintf("custom rule %q program error", rule.Name), err)
		}
		result, _, err := prg.Eval(map[string]interface{}{"input": view})
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "policy_malformed",
				fmt.Sprintf("custom rule %q evaluation error", rule.Name), err)
		}
		passed, ok := result.Value().(bool)
		if !ok {
			return nil, faults.New(faults.CategoryInputInvalid, "policy_malformed",
				fmt.Sprintf("custom rule %q must return boolean, got %T", rule.Name, result.Value()))
		}
		if passed {
			continue
		}

		severity := rule.Severity
		if severity == "" {
			severity = models.SeverityCaution
		}
		message := rule.FailureMsg
		if message == "" {
			message = fmt.Sprintf("custom rule %q failed", rule.Name)
		}
		out = append(out, models.Violation{
			Coordinate: "dependency-set",
			Rule:       "custom:" + rule.Name,
			Severity:   severity,
			Message:    message,
		})
	}
	return out, nil
}

// inputToMap converts the evaluation input for CEL
func inputToMap(input Input) map[string]interface{} {
	constraints := make([]interface{}, len(input.Constraints))
	for i, c := range input.Constraints {
		hashes := make([]interface{}, len(c.Hashes))
		for j, h := range c.Hashes {
			hashes[j] = h.String()
		}
		constraints[i] = map[string]interface{}{
			"name":    c.Name,
			"version": c.Version,
			"hashes":  hashes,
		}
	}

	findings := []interface{}{}
	if input.Vulnerabilities != nil {
		findings = make([]interface{}, len(input.Vulnerabilities.Findings))
		for i, f := range input.Vulnerabilities.Findings {
			findings[i] = map[string]interface{}{
				"name":     models.NormalizeName(f.Name),
				"version":  f.Version,
				"cve_id":   f.CVEID,
				"severity": string(f.Severity),
				"source":   f.Source,
			}
		}
	}

	attestations := make([]interface{}, len(input.PresentAttestations))
	for i, kind := range input.PresentAttestations {
		attestations[i] = kind
	}

	return map[string]interface{}{
		"constraints":  constraints,
		"findings":     findings,
		"attestations": attestations,
	}
}

// CompileAndValidate compiles every custom rule without evaluating,
// surfacing all failures at once.
func CompileAndValidate(doc *models.PolicyDocument) error {
	if len(doc.CustomRules) == 0 {
		return nil
	}
	env, err := celEnv()
	if err != nil {
		return faults.Wrap(faults.CategoryInternal, "cel_env", "failed to create CEL environment", err)
	}

	var problems []string
	for _, rule := range doc.CustomRules {
		if _, issues := env.Compile(rule.Expr); issues != nil && issues.Err() != nil {
			problems = append(problems, fmt.Sprintf("rule %q: %v", rule.Name, issues.Err()))
		}
	}
	if len(problems) > 0 {
		return faults.New(faults.CategoryInputInvalid, "policy_malformed",
			"custom rules failed to compile: "+fmt.Sprint(problems))
	}
	return nil
}
