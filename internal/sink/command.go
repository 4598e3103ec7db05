package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"longterm/internal/codec"
)

// Command runs an executable per payload. The encoded payload is written to
// its stdin and the task id is exported as LONGTERM_TASK_ID.
type Command struct {
	Path string
	Args []string
}

func (c Command) Submit(ctx context.Context, id string, p codec.Payload) error {
	if c.Path == "" {
		return fmt.Errorf("command is required")
	}
	body, err := codec.Encode(p)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(os.Environ(), "LONGTERM_TASK_ID="+id)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command error: %v; out=%s", err, string(out))
	}
	return nil
}
