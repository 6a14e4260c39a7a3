package provider

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"llmgate/internal/credential"
)

// ProcessConfig configures the sandboxed interactive-process adapter. The
// command is executed with an argument list, never through a shell, and with
// a minimal environment so responses stay reproducible.
type ProcessConfig struct {
	Name   string
	Family string
	// Command is the executable path; Args are its base arguments.
	Command string
	Args    []string
	// SandboxArgs disable filesystem/network side effects in the tool
	// (for example "--sandbox", "--no-tools"). Required for determinism;
	// defaults apply when empty.
	SandboxArgs []string
	// SecretEnv is the environment variable the tool reads its key from.
	SecretEnv string
	// Ceiling caps any single call; Timeout is the enforced per-call limit
	// and must stay below the ceiling.
	Ceiling time.Duration
	Timeout time.Duration
	Secrets SecretResolver
}

// ProcessAdapter spawns a CLI backend per call.
type ProcessAdapter struct {
	cfg     ProcessConfig
	secrets SecretResolver
}

const (
	defaultProcessCeiling = 300 * time.Second
	defaultProcessTimeout = 240 * time.Second
	defaultSecretEnv      = "LLMGATE_PROVIDER_KEY"
	maxStderrBytes        = 4 << 10
)

var defaultSandboxArgs = []string{"--sandbox", "--no-tools"}

func NewProcessAdapter(cfg ProcessConfig) *ProcessAdapter {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultProcessCeiling
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Ceiling {
		cfg.Timeout = cfg.Ceiling - cfg.Ceiling/10
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultProcessTimeout
		}
	}
	if cfg.SecretEnv == "" {
		cfg.SecretEnv = defaultSecretEnv
	}
	if len(cfg.SandboxArgs) == 0 {
		cfg.SandboxArgs = append([]string(nil), defaultSandboxArgs...)
	}
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = DefaultResolver()
	}
	return &ProcessAdapter{cfg: cfg, secrets: secrets}
}

func (a *ProcessAdapter) Name() string                  { return a.cfg.Name }
func (a *ProcessAdapter) Family() string                { return a.cfg.Family }
func (a *ProcessAdapter) TimeoutCeiling() time.Duration { return a.cfg.Ceiling }

func (a *ProcessAdapter) InvokeRaw(ctx context.Context, cred *credential.Credential, req Request) (*RawResponse, *RawFailure) {
	secret, err := a.secrets.Resolve(ctx, cred.SecretRef)
	if err != nil {
		return nil, &RawFailure{ExitCode: 77, Stderr: "authentication: " + err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := make([]string, 0, len(a.cfg.Args)+len(a.cfg.SandboxArgs)+2)
	args = append(args, a.cfg.Args...)
	args = append(args, a.cfg.SandboxArgs...)
	args = append(args, "--model", req.Model)

	cmd := exec.CommandContext(callCtx, a.cfg.Command, args...)
	// The prompt travels over stdin so it never appears in the process table.
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Minimal environment: no ambient credentials or tool configuration leak
	// into the sandbox.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		a.cfg.SecretEnv + "=" + secret,
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if callCtx.Err() != nil {
		return nil, &RawFailure{Err: callCtx.Err()}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &RawFailure{
				ExitCode: exitErr.ExitCode(),
				Stderr:   tailString(stderr.String(), maxStderrBytes),
			}
		}
		return nil, &RawFailure{Err: runErr}
	}

	return parseProcessOutput(stdout.Bytes())
}

func parseProcessOutput(out []byte) (*RawResponse, *RawFailure) {
	if !gjson.ValidBytes(out) {
		return nil, &RawFailure{Malformed: "tool output is not valid JSON"}
	}
	text := gjson.GetBytes(out, "text")
	if !text.Exists() {
		return nil, &RawFailure{Malformed: "tool output carries no text field"}
	}

	finish := FinishComplete
	switch gjson.GetBytes(out, "finish_reason").String() {
	case "length", "truncated", "max_tokens":
		finish = FinishTruncated
	}

	return &RawResponse{
		Text:         text.String(),
		FinishReason: finish,
		InputTokens:  gjson.GetBytes(out, "usage.input_tokens").Int(),
		OutputTokens: gjson.GetBytes(out, "usage.output_tokens").Int(),
	}, nil
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
