package service

import (
	"fmt"
	"strconv"
	"strings"

	"healthai/internal/model"

	"go.uber.org/zap"
)

// errUnknownCondition is returned for predicate kinds this build does not know
type errUnknownCondition string

func (e errUnknownCondition) Error() string {
	return fmt.Sprintf("unknown condition kind %q", string(e))
}

// EvaluateConditions reports whether every condition holds for a. Unknown
// condition kinds pass with a warning; a malformed condition fails the set.
func EvaluateConditions(log *zap.Logger, conds []model.TriggerCondition, a *model.Analysis) bool {
	for _, c := range conds {
		ok, err := EvaluateCondition(c, a)
		if err != nil {
			if _, unknown := err.(errUnknownCondition); unknown {
				log.Warn("Ignoring unknown trigger condition", zap.String("kind", c.Kind))
				continue
			}
			log.Warn("Trigger condition could not be evaluated",
				zap.String("kind", c.Kind),
				zap.String("operator", c.Operator),
				zap.Error(err),
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates one predicate against a finished analysis
func EvaluateCondition(c model.TriggerCondition, a *model.Analysis) (bool, error) {
	switch c.Kind {
	case model.ConditionAnalysisStatus:
		return matchStatus(c, a.Status)
	case model.ConditionContentContains:
		response := ""
		if a.Response != nil {
			response = *a.Response
		}
		return matchContent(c, response)
	case model.ConditionAnalysisCompleted:
		return a.Status == model.AnalysisCompleted && a.CompletedAt != nil, nil
	case model.ConditionErrorOccurred:
		return a.Status == model.AnalysisFailed || a.Error != nil, nil
	case model.ConditionProcessingTime:
		return matchNumber(c, a.Duration)
	default:
		return true, errUnknownCondition(c.Kind)
	}
}

func matchStatus(c model.TriggerCondition, status model.AnalysisStatus) (bool, error) {
	switch c.Operator {
	case "", "equals":
		v, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("status value must be a string")
		}
		return string(status) == v, nil
	case "not_equals":
		v, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("status value must be a string")
		}
		return string(status) != v, nil
	case "in":
		values, err := stringList(c.Value)
		if err != nil {
			return false, err
		}
		for _, v := range values {
			if string(status) == v {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported operator %q for %s", c.Operator, c.Kind)
}

func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list items must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{list}, nil
	}
	return nil, fmt.Errorf("value must be a list of strings")
}

func matchContent(c model.TriggerCondition, response string) (bool, error) {
	needle, ok := c.Value.(string)
	if !ok {
		return false, fmt.Errorf("content value must be a string")
	}
	haystack := strings.ToLower(response)
	needle = strings.ToLower(needle)

	switch c.Operator {
	case "", "contains":
		return strings.Contains(haystack, needle), nil
	case "not_contains":
		return !strings.Contains(haystack, needle), nil
	case "starts_with":
		return strings.HasPrefix(strings.TrimSpace(haystack), needle), nil
	case "ends_with":
		return strings.HasSuffix(strings.TrimSpace(haystack), needle), nil
	}
	return false, fmt.Errorf("unsupported operator %q for %s", c.Operator, c.Kind)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case interface{ Float64() (float64, error) }:
		return n.Float64()
	}
	return 0, fmt.Errorf("value must be numeric, got %T", v)
}

func matchNumber(c model.TriggerCondition, actual float64) (bool, error) {
	want, err := toFloat(c.Value)
	if err != nil {
		return false, err
	}
	switch c.Operator {
	case "", "gt":
		return actual > want, nil
	case "gte":
		return actual >= want, nil
	case "lt":
		return actual < want, nil
	case "lte":
		return actual <= want, nil
	case "eq":
		return actual == want, nil
	case "ne":
		return actual != want, nil
	}
	return false, fmt.Errorf("unsupported operator %q for %s", c.Operator, c.Kind)
}
