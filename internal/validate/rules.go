package validate

import (
	"fmt"
	"regexp"
	"strings"

	"cohortvault/internal/definition"
	"cohortvault/internal/model"
)

// cell is one observed value with its PHI-safe locator.
type cell struct {
	ref   model.RowRef
	raw   *string
	trim  string
	null  bool
	empty bool
}

// ruleEval accumulates violations for one rule over a column scan.
type ruleEval interface {
	observe(c cell)
	// result renders the accumulated outcome as one check.
	result() checkResult
}

type checkResult struct {
	RuleKey      string
	Params       map[string]any
	Passed       bool
	Severity     model.CheckSeverity
	Message      string
	AffectedRows int
	Sample       []model.RowRef
}

// violations is the shared accumulator: exact count, capped locator sample.
type violations struct {
	count  int
	sample []model.RowRef
	limit  int
}

func (v *violations) add(ref model.RowRef) {
	v.count++
	if len(v.sample) < v.limit {
		v.sample = append(v.sample, ref)
	}
}

// newRuleEval builds the evaluator for one declarative rule. Unknown rule
// keys yield an error so definition typos fail loudly instead of silently
// passing.
func newRuleEval(rule definition.Rule, colType definition.ColumnType, universe map[string]struct{}, sampleCap int) (ruleEval, error) {
	base := violations{limit: sampleCap}
	switch rule.Key {
	case "required":
		return &requiredEval{rule: rule, violations: base}, nil
	case "range":
		min, hasMin := toFloat(rule.Params["min"])
		max, hasMax := toFloat(rule.Params["max"])
		if !hasMin && !hasMax {
			return nil, fmt.Errorf("range rule needs min or max")
		}
		return &rangeEval{rule: rule, violations: base, min: min, hasMin: hasMin, max: max, hasMax: hasMax, colType: colType}, nil
	case "regex":
		pattern, _ := rule.Params["pattern"].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regex rule: %w", err)
		}
		return &regexEval{rule: rule, violations: base, re: re}, nil
	case "enum":
		values := toStrings(rule.Params["values"])
		if len(values) == 0 {
			return nil, fmt.Errorf("enum rule needs values")
		}
		allowed := make(map[string]struct{}, len(values))
		for _, v := range values {
			allowed[v] = struct{}{}
		}
		return &enumEval{rule: rule, violations: base, allowed: allowed}, nil
	case "cross_file":
		// The engine resolves exactly one reference set: the patient
		// universe. A definition pointing anywhere else must fail loudly
		// here, not silently validate against the wrong set.
		refTable, _ := rule.Params["table"].(string)
		refColumn, _ := rule.Params["column"].(string)
		auth, ok := definition.Authoritative()
		if !ok {
			return nil, fmt.Errorf("cross_file rule needs an authoritative table definition")
		}
		if refTable != auth.Key || refColumn != auth.PatientColumn {
			return nil, fmt.Errorf("cross_file rule references %s.%s, only %s.%s is resolvable",
				refTable, refColumn, auth.Key, auth.PatientColumn)
		}
		if universe == nil {
			return nil, fmt.Errorf("cross_file rule has no reference universe")
		}
		return &crossFileEval{rule: rule, violations: base, universe: universe}, nil
	default:
		return nil, fmt.Errorf("unknown rule key %q", rule.Key)
	}
}

type requiredEval struct {
	rule definition.Rule
	violations
}

func (e *requiredEval) observe(c cell) {
	if c.null || c.empty {
		e.add(c.ref)
	}
}

func (e *requiredEval) result() checkResult {
	return render(e.rule, e.violations, "%d missing values", "all values present")
}

type rangeEval struct {
	rule definition.Rule
	violations
	min, max       float64
	hasMin, hasMax bool
	colType        definition.ColumnType
}

func (e *rangeEval) observe(c cell) {
	if c.null || c.empty {
		return
	}
	f, ok := CoerceNumeric(c.trim)
	if !ok {
		// Uncoercible values belong to the type check, not the range check.
		return
	}
	if (e.hasMin && f < e.min) || (e.hasMax && f > e.max) {
		e.add(c.ref)
	}
}

func (e *rangeEval) result() checkResult {
	return render(e.rule, e.violations,
		"%d values outside "+rangeLabel(e.hasMin, e.min, e.hasMax, e.max),
		"all values in "+rangeLabel(e.hasMin, e.min, e.hasMax, e.max))
}

func rangeLabel(hasMin bool, min float64, hasMax bool, max float64) string {
	switch {
	case hasMin && hasMax:
		return fmt.Sprintf("[%g, %g]", min, max)
	case hasMin:
		return fmt.Sprintf("[%g, +inf)", min)
	default:
		return fmt.Sprintf("(-inf, %g]", max)
	}
}

type regexEval struct {
	rule definition.Rule
	violations
	re *regexp.Regexp
}

func (e *regexEval) observe(c cell) {
	if c.null || c.empty {
		return
	}
	if !e.re.MatchString(c.trim) {
		e.add(c.ref)
	}
}

func (e *regexEval) result() checkResult {
	return render(e.rule, e.violations, "%d values do not match the expected format", "all values match the expected format")
}

type enumEval struct {
	rule definition.Rule
	violations
	allowed map[string]struct{}
}

func (e *enumEval) observe(c cell) {
	if c.null || c.empty {
		return
	}
	if _, ok := e.allowed[c.trim]; !ok {
		e.add(c.ref)
	}
}

func (e *enumEval) result() checkResult {
	return render(e.rule, e.violations, "%d values outside the allowed set", "all values in the allowed set")
}

type crossFileEval struct {
	rule definition.Rule
	violations
	universe map[string]struct{}
}

func (e *crossFileEval) observe(c cell) {
	if c.null || c.empty {
		return
	}
	if _, ok := e.universe[c.trim]; !ok {
		e.add(c.ref)
	}
}

func (e *crossFileEval) result() checkResult {
	return render(e.rule, e.violations, "%d values not found in the referenced table", "all values found in the referenced table")
}

func render(rule definition.Rule, v violations, failFmt, passMsg string) checkResult {
	res := checkResult{
		RuleKey:      rule.Key,
		Params:       rule.Params,
		Severity:     rule.Severity,
		AffectedRows: v.count,
		Sample:       v.sample,
	}
	if v.count == 0 {
		res.Passed = true
		res.Message = passMsg
		return res
	}
	res.Message = fmt.Sprintf(failFmt, v.count)
	return res
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		return CoerceNumeric(n)
	}
	return 0, false
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
