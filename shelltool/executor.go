package shelltool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultCommandTimeout bounds commands that do not request their own timeout.
	DefaultCommandTimeout = 10 * time.Second

	// MaxCommandTimeout caps the timeout a tool call may request.
	MaxCommandTimeout = 60 * time.Second

	// DefaultMaxOutputBytes caps captured output before head/tail truncation.
	DefaultMaxOutputBytes = 10 * 1024

	// timeoutExitCode mirrors the status shells report for a timed-out command.
	timeoutExitCode = 124
)

// ApprovalPolicy governs when a command needs human confirmation before running.
type ApprovalPolicy string

const (
	// ApprovalAuto runs validator-approved commands immediately and asks a
	// human about everything the validator denies.
	ApprovalAuto ApprovalPolicy = "auto"

	// ApprovalAlways asks a human before every command; an approval
	// overrides the validator.
	ApprovalAlways ApprovalPolicy = "always"

	// ApprovalNever runs headless; the validator's decision is final.
	ApprovalNever ApprovalPolicy = "never"
)

// ApprovalFunc asks for permission to run command, returning false when the
// human denies or no decision arrives in time.
type ApprovalFunc func(ctx context.Context, command []string) bool

// Request describes one shell tool invocation.
type Request struct {
	CallID  string
	Command []string
	Workdir string
	Timeout time.Duration
}

// Followup is an extra conversation item produced alongside a tool result,
// appended to the next turn's input after the result itself.
type Followup struct {
	Role string
	Text string
}

// Result is the outcome of one tool execution.
type Result struct {
	Output    string
	ExitCode  int
	Duration  time.Duration
	Followups []Followup
}

// JSON renders the result in the wire shape tool outputs use.
func (r Result) JSON() string {
	payload := struct {
		Output   string `json:"output"`
		Metadata struct {
			ExitCode        int     `json:"exit_code"`
			DurationSeconds float64 `json:"duration_seconds"`
		} `json:"metadata"`
	}{Output: r.Output}
	payload.Metadata.ExitCode = r.ExitCode
	payload.Metadata.DurationSeconds = math.Round(r.Duration.Seconds()*10) / 10
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"output":"","metadata":{"exit_code":-1,"duration_seconds":0}}`
	}
	return string(b)
}

// Executor runs validated shell commands on the local host.
type Executor struct {
	Policy         ApprovalPolicy
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int

	// Env overrides the child environment when non-nil; otherwise the
	// parent environment is passed through with sensitive variables removed.
	Env []string
}

// NewExecutor returns an Executor with the default limits.
func NewExecutor(policy ApprovalPolicy) *Executor {
	return &Executor{
		Policy:         policy,
		DefaultTimeout: DefaultCommandTimeout,
		MaxTimeout:     MaxCommandTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Execute validates, optionally confirms, and runs one shell command. A
// denial never spawns a process: it returns a synthetic result with a
// nonzero exit code that the conversation can continue from.
func (e *Executor) Execute(ctx context.Context, req Request, approve ApprovalFunc) Result {
	if len(req.Command) == 0 {
		return Result{Output: "error: empty command", ExitCode: 1}
	}

	verdict := ValidateCommand(commandLine(req.Command))
	switch e.Policy {
	case ApprovalAlways:
		if approve == nil || !approve(ctx, req.Command) {
			return Result{Output: "command rejected by user", ExitCode: 1}
		}
	case ApprovalNever:
		if !verdict.Allowed {
			return Result{Output: "command rejected: " + verdict.Reason, ExitCode: 1}
		}
	default: // ApprovalAuto
		if !verdict.Allowed {
			if approve == nil || !approve(ctx, req.Command) {
				return Result{Output: "command rejected: " + verdict.Reason, ExitCode: 1}
			}
		}
	}

	return e.run(ctx, req)
}

// run spawns the command in its own process group so a timeout or cancel can
// kill the whole tree, captures combined output, and reports the process
// exit code verbatim.
func (e *Executor) run(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	if e.MaxTimeout > 0 && timeout > e.MaxTimeout {
		timeout = e.MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}
	cmd.Env = e.environment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() != nil && cmd.Process != nil {
		// The context kill only reaches the direct child; take the group too.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	output := combineOutput(stdout.String(), stderr.String())
	output = TruncateOutput(output, e.maxOutput())

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			note := fmt.Sprintf("command timed out after %s", timeout)
			return Result{Output: appendNote(output, note), ExitCode: timeoutExitCode, Duration: duration}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Result{Output: output, ExitCode: exitErr.ExitCode(), Duration: duration}
		}
		return Result{Output: appendNote(output, "error: "+err.Error()), ExitCode: 1, Duration: duration}
	}
	return Result{Output: output, ExitCode: 0, Duration: duration}
}

func (e *Executor) environment() []string {
	if e.Env != nil {
		return e.Env
	}
	return FilterEnvironment(os.Environ())
}

func (e *Executor) maxOutput() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// commandLine flattens an argv for validation, unwrapping shell -c wrappers
// so the validator inspects the script rather than the interpreter.
func commandLine(command []string) string {
	if len(command) == 3 {
		switch command[0] {
		case "bash", "sh", "zsh":
			if command[1] == "-c" || command[1] == "-lc" {
				return command[2]
			}
		}
	}
	return strings.Join(command, " ")
}

func combineOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}

func appendNote(output, note string) string {
	if output == "" {
		return note
	}
	return output + "\n" + note
}

// TruncateOutput keeps the head and tail of oversized output, noting how
// much was removed from the middle.
func TruncateOutput(output string, maxBytes int) string {
	if maxBytes <= 0 || len(output) <= maxBytes {
		return output
	}
	half := maxBytes / 2
	removed := len(output) - maxBytes
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: output truncated, %d bytes removed from the middle]\n\n", removed) +
		output[len(output)-half:]
}

// sensitiveEnvSuffixes are case-insensitive suffixes for environment
// variables that never reach tool subprocesses.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// passthroughEnvVars are always included regardless of suffix filtering.
var passthroughEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// FilterEnvironment drops credential-bearing variables from an environment
// list while keeping well-known harmless ones.
func FilterEnvironment(environ []string) []string {
	var filtered []string
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := parts[0]
		if passthroughEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// ParseShellArgs decodes the JSON arguments of a shell function call. The
// timeout argument may arrive as a number of milliseconds or a numeric
// string; both are tolerated.
func ParseShellArgs(raw json.RawMessage) (Request, error) {
	var args struct {
		Command []string        `json:"command"`
		Workdir string          `json:"workdir"`
		Timeout json.RawMessage `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return Request{}, fmt.Errorf("invalid shell arguments: %w", err)
	}
	if len(args.Command) == 0 {
		return Request{}, fmt.Errorf("shell arguments missing command")
	}
	req := Request{Command: args.Command, Workdir: args.Workdir}
	if len(args.Timeout) > 0 && string(args.Timeout) != "null" {
		ms, err := parseTimeoutMillis(args.Timeout)
		if err != nil {
			return Request{}, err
		}
		if ms > 0 {
			req.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return req, nil
}

func parseTimeoutMillis(raw json.RawMessage) (float64, error) {
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return 0, fmt.Errorf("invalid shell timeout %q", s)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("invalid shell timeout: %s", raw)
}
