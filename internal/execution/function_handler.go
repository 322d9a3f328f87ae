package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// CodeResult is what user code produced.
type CodeResult struct {
	Result any
	Stdout string
}

// CodeRunner executes user code. params is exposed to the code as `inputs`.
type CodeRunner interface {
	Run(ctx context.Context, language, code string, params map[string]any) (*CodeResult, error)
}

// FunctionHandler runs user-written code through a CodeRunner.
//
// Config:
//   - language: "javascript" (default) or "python"
//   - code: the user code; it sets an `output` variable with the result
//
// The resolved input bindings are passed to the code as `inputs`.
type FunctionHandler struct {
	KindHandler
	runner CodeRunner
}

func NewFunctionHandler(runner CodeRunner) *FunctionHandler {
	if runner == nil {
		runner = SubprocessRunner{}
	}
	return &FunctionHandler{KindHandler: KindHandler(models.KindFunction), runner: runner}
}

func (h *FunctionHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	language := getString(req.Config, "language", "javascript")
	code := getString(req.Config, "code", "")
	if code == "" {
		return map[string]any{"error": "function: no code provided"}, nil
	}

	res, err := h.runner.Run(ctx, language, code, req.Inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return map[string]any{"error": err.Error()}, nil
	}

	logrus.Debugf("✅ [FUNCTION] Block '%s': executed %s code", block.Name, language)
	return map[string]any{"result": res.Result, "stdout": res.Stdout}, nil
}

// SubprocessRunner runs code with a local node or python3 interpreter. Inputs are fed
// through stdin; the wrapper prints a marker line followed by the JSON-encoded output.
type SubprocessRunner struct{}

const outputMarker = "__BLOCKFLOW_OUTPUT__"

func (SubprocessRunner) Run(ctx context.Context, language, code string, params map[string]any) (*CodeResult, error) {
	inputsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize inputs: %w", err)
	}

	var cmd *exec.Cmd
	switch strings.ToLower(language) {
	case "javascript", "js", "node":
		cmd = exec.CommandContext(ctx, "node", "-e", fmt.Sprintf(`
const chunks = [];
process.stdin.on('data', c => chunks.push(c));
process.stdin.on('end', () => {
  const inputs = JSON.parse(Buffer.concat(chunks).toString() || '{}');
  let output = undefined;
  %s
  console.log(%q);
  console.log(JSON.stringify(output === undefined ? null : output));
});
`, code, outputMarker))
	case "python", "python3":
		cmd = exec.CommandContext(ctx, "python3", "-c", fmt.Sprintf(`import json, sys
inputs = json.load(sys.stdin)
output = None
%s
print(%q)
print(json.dumps(output))
`, code, outputMarker))
	default:
		return nil, fmt.Errorf("unsupported language '%s'", language)
	}

	cmd.Stdin = bytes.NewReader(inputsJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s error: %s", language, truncateString(msg, 500))
		}
		return nil, fmt.Errorf("%s execution failed: %w", language, err)
	}

	printed, encoded, found := strings.Cut(stdout.String(), outputMarker+"\n")
	if !found {
		return &CodeResult{Stdout: stdout.String()}, nil
	}
	var result any
	if err := json.Unmarshal([]byte(strings.TrimSpace(encoded)), &result); err != nil {
		result = strings.TrimSpace(encoded)
	}
	return &CodeResult{Result: result, Stdout: printed}, nil
}
