package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// Func performs one action. The hold queue invokes it after a successful
// claim; once invoked there is no cooperative cancellation, the action runs
// to completion or failure.
type Func func(ctx context.Context, action domain.HeldAction) error

// Registry supplies one executor per hold-queue-eligible action type. The
// orchestrator may inject its own functions in-process; FromConfig builds a
// registry from steward.yml for standalone operation.
type Registry map[string]Func

// Execute dispatches an action to its registered executor. Action types
// without a configured executor fall back to the record-only log executor, so
// read-style actions need no configuration.
func (r Registry) Execute(ctx context.Context, action domain.HeldAction) error {
	fn, ok := r[action.ActionType]
	if !ok {
		fn = logExecutor()
	}
	return fn(ctx, action)
}

// Register adds or replaces the executor for an action type.
func (r Registry) Register(actionType string, fn Func) {
	r[actionType] = fn
}

// FromConfig builds executors from configuration: kind=log records the
// execution only, kind=command runs a local command with the payload on
// stdin, kind=webhook POSTs the payload to a URL.
func FromConfig(cfg *config.Config) Registry {
	registry := Registry{}
	for actionType, spec := range cfg.Executors {
		switch spec.Kind {
		case "log":
			registry[actionType] = logExecutor()
		case "command":
			registry[actionType] = commandExecutor(spec.Command)
		case "webhook":
			registry[actionType] = webhookExecutor(spec.URL)
		}
	}
	return registry
}

func logExecutor() Func {
	return func(ctx context.Context, action domain.HeldAction) error {
		log.Printf("exec: %s %s (project=%s)", action.ActionType, action.ID, action.ProjectID)
		return nil
	}
}

func commandExecutor(command string) Func {
	return func(ctx context.Context, action domain.HeldAction) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = strings.NewReader(action.PayloadJSON)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command executor for %s: %w: %s", action.ActionType, err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

func webhookExecutor(url string) Func {
	client := &http.Client{Timeout: defaultWebhookTimeout}
	return func(ctx context.Context, action domain.HeldAction) error {
		payload := action.PayloadJSON
		if payload == "" {
			payload = "{}"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Steward-Action", action.ActionType)
		req.Header.Set("X-Steward-Action-Id", action.ID)
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return fmt.Errorf("webhook executor for %s: status %d: %s", action.ActionType, res.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil
	}
}
