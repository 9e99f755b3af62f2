// Package exec adapts configured external commands to the engine's
// collaborator interfaces. The orchestrator owns sequencing only;
// provisioning, host configuration, and identity wiring live in the
// external tools these adapters shell out to.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// stderrTail bounds how much stderr is carried into error messages.
const stderrTail = 512

// adapter runs one configured command with placeholder expansion.
// Placeholders are written {name} and expanded per call.
type adapter struct {
	command string
	args    []string
	logger  zerolog.Logger
}

// result holds the outcome of one adapter invocation. exitCode is
// valid even when err is non-nil.
type result struct {
	stdout   string
	exitCode int
}

func (a adapter) run(ctx context.Context, vars map[string]string, env []string) (result, error) {
	if a.command == "" {
		return result{}, fmt.Errorf("adapter command not configured")
	}

	args := expand(a.args, vars)
	cmd := osexec.CommandContext(ctx, a.command, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug().
		Str("command", a.command).
		Strs("args", args).
		Msg("running adapter command")

	err := cmd.Run()
	res := result{stdout: stdout.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, fmt.Errorf("%s exited with code %d: %s", a.command, res.exitCode, tail(stderr.String()))
}

// expand substitutes {name} placeholders in args from vars.
func expand(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = r.Replace(arg)
	}
	return out
}

func hasPlaceholder(args []string, name string) bool {
	token := "{" + name + "}"
	for _, arg := range args {
		if strings.Contains(arg, token) {
			return true
		}
	}
	return false
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
