package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CLIService runs the agent CLI as a subprocess with stream-json output and
// adapts its NDJSON stdout to the driver's event stream.
type CLIService struct {
	// Executable is the agent CLI binary, e.g. "claude".
	Executable string

	// ExtraArgs are appended verbatim after the generated arguments.
	ExtraArgs []string
}

type cliStream struct {
	events chan *StreamEvent

	mu  sync.Mutex
	err error
}

func (s *cliStream) Events() <-chan *StreamEvent { return s.events }

func (s *cliStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *cliStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Start spawns one CLI invocation. The returned stream closes when the
// process exits; it is never restarted.
func (s *CLIService) Start(ctx context.Context, req Request) (Stream, error) {
	exe := s.Executable
	if exe == "" {
		return nil, fmt.Errorf("cli service: executable not configured")
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Config.ModelID != "" {
		args = append(args, "--model", req.Config.ModelID)
	}
	if req.Config.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.Config.MaxTurns))
	}
	if req.Config.PermissionMode != "" {
		args = append(args, "--permission-mode", req.Config.PermissionMode)
	}
	if len(req.Config.ToolServers) > 0 {
		cfgJSON, err := toolServersJSON(req.Config.ToolServers)
		if err != nil {
			return nil, fmt.Errorf("cli service: encode tool servers: %w", err)
		}
		args = append(args, "--mcp-config", cfgJSON)
	}
	args = append(args, s.ExtraArgs...)
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	// Avoid interactive reads if the CLI tries stdin for confirmations.
	cmd.Stdin = strings.NewReader("")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	stream := &cliStream{events: make(chan *StreamEvent, 64)}
	go func() {
		defer close(stream.events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
		for scanner.Scan() {
			ev, err := ParseStreamLine(scanner.Bytes())
			if err != nil || ev == nil {
				// Non-event noise on stdout is skipped, matching the
				// tolerant NDJSON consumption of the stream contract.
				continue
			}
			select {
			case stream.events <- ev:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				_ = cmd.Wait()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			stream.setErr(fmt.Errorf("read agent stream: %w", err))
		}

		if err := cmd.Wait(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				stream.setErr(fmt.Errorf("agent cli: %w: %s", err, firstLine(msg)))
			} else {
				stream.setErr(fmt.Errorf("agent cli: %w", err))
			}
		}
	}()
	return stream, nil
}

func toolServersJSON(servers map[string]ToolServerConfig) (string, error) {
	wrapper := map[string]any{"mcpServers": servers}
	b, err := json.Marshal(wrapper)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
