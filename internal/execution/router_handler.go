package execution

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// RouterHandler selects exactly one downstream block. The executor activates only the
// outgoing connection whose target is the selected block.
//
// Config:
//   - target: a block id (usually a {{reference}} to an upstream decision); wins when set
//   - field: the value the routes are matched against
//   - routes: [{target, operator, value}], first match wins
//   - defaultTarget: used when nothing matched
type RouterHandler struct {
	KindHandler
}

func NewRouterHandler() *RouterHandler {
	return &RouterHandler{KindHandler: KindHandler(models.KindRouter)}
}

func (h *RouterHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	config := req.Config
	block := req.Block

	if target := getString(config, "target", ""); target != "" {
		return routeTo(target, "explicit target"), nil
	}

	fieldValue := config["field"]
	routes, _ := config["routes"].([]any)

	logrus.Debugf("🔀 [ROUTER] Block '%s': evaluating value=%v against %d routes", block.Name, fieldValue, len(routes))

	for i, raw := range routes {
		route, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		target := getString(route, "target", "")
		if target == "" {
			return map[string]any{"error": fmt.Sprintf("router: route %d has no target", i)}, nil
		}
		if evaluateCondition(fieldValue, getString(route, "operator", "eq"), route["value"]) {
			logrus.Debugf("🔀 [ROUTER] Block '%s': matched route %d -> %s", block.Name, i, target)
			return routeTo(target, fmt.Sprintf("matched route %d", i)), nil
		}
	}

	if target := getString(config, "defaultTarget", ""); target != "" {
		return routeTo(target, "default route"), nil
	}
	return map[string]any{"error": fmt.Sprintf("router: no route matched in block '%s'", block.Name)}, nil
}

func routeTo(target, reasoning string) map[string]any {
	return map[string]any{
		"selectedPath": map[string]any{"blockId": target},
		"reasoning":    reasoning,
	}
}
