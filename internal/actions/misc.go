package actions

import (
	"context"
	"fmt"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

// DisplayCompletionMessage produces the final message shown to the user
// after provisioning, carrying the workspace URL and credential hints.
type DisplayCompletionMessage struct {
	wc Context
}

func (h *DisplayCompletionMessage) Meta() Metadata {
	return Metadata{
		Type:        TypeDisplayCompletionMessage,
		DisplayName: "Display Completion Message",
		Category:    "info",
		Description: "Records the final message shown when the workspace is ready.",
		OptionalParameters: []ParameterSpec{
			{Name: "message", Type: "string", Description: "Message text, placeholders already substituted"},
			{Name: "show_urls", Type: "bool", Description: "Include the workspace URL", Default: true},
			{Name: "show_credentials", Type: "bool", Description: "Flag that credentials should be surfaced", Default: false},
		},
	}
}

func (h *DisplayCompletionMessage) Validate(Params) error { return nil }

func (h *DisplayCompletionMessage) Execute(_ context.Context, params Params) (*Result, error) {
	msg := params.String("message", fmt.Sprintf("Workspace %s is ready", h.wc.WorkspaceName))
	result := NewResult(msg).Set("message", msg)
	if params.Bool("show_urls", true) {
		result.Set("subdomain", h.wc.Subdomain).Set("port", h.wc.Port)
	}
	if params.Bool("show_credentials", false) {
		result.Set("show_credentials", true)
	}
	return result, nil
}

func (h *DisplayCompletionMessage) Rollback(context.Context, Params, *Result) error { return nil }

// ManualAction records operator instructions and pauses the workflow until
// an external confirmation arrives. An optional verification command runs
// after resume to prove the manual step was done.
type ManualAction struct {
	wc  Context
	run execx.Runner
}

func (h *ManualAction) Meta() Metadata {
	return Metadata{
		Type:        TypeManualAction,
		DisplayName: "Manual Action",
		Category:    "info",
		Description: "Pauses the workflow until a manual step is confirmed.",
		RequiredParameters: []ParameterSpec{
			{Name: "instructions", Type: "string", Description: "What the user must do before resuming"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "verification_command", Type: "string", Description: "Command that must exit 0 after resume"},
		},
	}
}

func (h *ManualAction) Validate(params Params) error {
	_, err := requireString(params, "instructions")
	return err
}

func (h *ManualAction) Execute(_ context.Context, params Params) (*Result, error) {
	res := NewResult("Waiting for manual confirmation").
		Set("instructions", params.String("instructions", ""))
	res.Pause = true
	return res, nil
}

// Resume verifies the manual step when a verification command is set.
func (h *ManualAction) Resume(ctx context.Context, params Params) (*Result, error) {
	cmd := params.String("verification_command", "")
	if cmd == "" {
		return NewResult("Manual step confirmed"), nil
	}
	if _, err := h.run.Run(ctx, execx.Cmd{
		Name:    "bash",
		Args:    []string{"-c", cmd},
		Dir:     h.wc.HomeDirectory,
		User:    h.wc.LinuxUsername,
		Timeout: h.wc.CommandTimeout,
	}); err != nil {
		return nil, fmt.Errorf("manual step verification failed: %w", err)
	}
	return NewResult("Manual step verified"), nil
}

func (h *ManualAction) Rollback(context.Context, Params, *Result) error { return nil }
