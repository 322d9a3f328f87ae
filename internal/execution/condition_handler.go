package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// ConditionHandler picks the first matching entry of an ordered condition list. The
// executor follows the "condition-<id>" connection of the selected entry.
//
// Config:
//   - conditions: [{id, field, operator, value}]; an entry with operator "else" always matches
//
// field is usually a {{reference}}, already resolved to its raw value. A "path" key is
// looked up as a reference instead.
type ConditionHandler struct {
	KindHandler
}

func NewConditionHandler() *ConditionHandler {
	return &ConditionHandler{KindHandler: KindHandler(models.KindCondition)}
}

func (h *ConditionHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	entries, ok := req.Config["conditions"].([]any)
	if !ok || len(entries) == 0 {
		return map[string]any{"error": "condition: no conditions configured"}, nil
	}

	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			return map[string]any{"error": fmt.Sprintf("condition: entry %d is not an object", i)}, nil
		}
		id := getString(entry, "id", fmt.Sprintf("%d", i))
		operator := getString(entry, "operator", "is_true")

		var fieldValue any
		if path := getString(entry, "path", ""); path != "" && req.Lookup != nil {
			fieldValue, _ = req.Lookup(StripTemplateBraces(path))
		} else {
			fieldValue = entry["field"]
		}

		matched := operator == "else" || evaluateCondition(fieldValue, operator, entry["value"])
		if !matched {
			continue
		}

		logrus.Debugf("🔀 [CONDITION] Block '%s': condition %s matched (operator=%s value=%v)",
			block.Name, id, operator, fieldValue)
		return map[string]any{
			"response": map[string]any{
				"conditionResult":     operator != "else",
				"selectedConditionId": id,
				"value":               fieldValue,
			},
		}, nil
	}

	return map[string]any{
		"response": map[string]any{"conditionResult": false},
		"error":    fmt.Sprintf("condition: no condition matched in block '%s'", block.Name),
	}, nil
}

func evaluateCondition(fieldValue any, operator string, compareValue any) bool {
	left := stringify(fieldValue)
	right := stringify(compareValue)

	switch operator {
	case "eq":
		return left == right
	case "neq":
		return left != right
	case "contains":
		return strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case "not_contains":
		return !strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(left), strings.ToLower(right))
	case "ends_with":
		return strings.HasSuffix(strings.ToLower(left), strings.ToLower(right))
	case "gt", "lt", "gte", "lte":
		a, okA := toFloat(fieldValue)
		b, okB := toFloat(compareValue)
		if !okA || !okB {
			return false
		}
		switch operator {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	case "is_empty":
		return isEmpty(fieldValue)
	case "not_empty":
		return !isEmpty(fieldValue)
	case "is_true":
		return isTruthy(fieldValue)
	case "is_false":
		return !isTruthy(fieldValue)
	default:
		logrus.Warnf("⚠️ [CONDITION] Unknown operator: %s, defaulting to is_true", operator)
		return isTruthy(fieldValue)
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && strings.ToLower(val) != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}
