package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"taskvault/internal/domain"
)

type params struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Run executes a shell command described by the task params and records its
// combined output as the task result.
func Run(ctx context.Context, t *domain.ScheduledTask) (domain.Status, map[string]any, error) {
	var p params
	if err := decode(t.Params, &p); err != nil {
		return domain.StatusFailed, nil, err
	}
	if p.Command == "" {
		return domain.StatusFailed, nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.StatusFailed, nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return domain.StatusComplete, map[string]any{
		"output":    string(out),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

func decode(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
