package shelltool

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the validator's decision for one command line.
type Verdict struct {
	Allowed bool
	Reason  string // set when denied
}

func allowed() Verdict             { return Verdict{Allowed: true} }
func denied(reason string) Verdict { return Verdict{Reason: reason} }

// denyPatterns match command lines that mutate the host. Each pattern targets
// one class of operation and is checked before any allow rule. Patterns are
// case-insensitive and word-boundary anchored so "rm" matches but "transform"
// does not. Compiled once at package init time.
var denyPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	// File mutation verbs.
	{regexp.MustCompile(`(?i)\b(rm|rmdir|mv|cp|touch|mkdir|chmod|chown|dd|tee)\b`), "file mutation verb"},

	// cat with output redirection writes a file even though cat itself is read-only.
	{regexp.MustCompile(`(?i)\bcat\b[^|]*>`), "cat with write redirection"},

	// Interactive editors.
	{regexp.MustCompile(`(?i)\b(vi|vim|nvim|nano|emacs|pico)\b`), "interactive editor"},

	// Package manager installs.
	{regexp.MustCompile(`(?i)\b(npm|pnpm|yarn)\s+(i|install|add)\b`), "package install"},
	{regexp.MustCompile(`(?i)\b(pip3?|apt(-get)?|brew|gem|cargo)\s+install\b`), "package install"},

	// Git subcommands that write to the repository or working tree.
	{regexp.MustCompile(`(?i)\bgit\s+(push|commit|add|rm|mv|reset|rebase|merge|checkout|switch|restore|cherry-pick|revert|clean|stash|init|clone|pull|am|apply)\b`), "mutating git subcommand"},
	{regexp.MustCompile(`(?i)\bgit\s+branch\s+(-[dDmM]\b|--delete|--move)`), "mutating git subcommand"},

	// Patch application in verb position.
	{regexp.MustCompile(`(?i)(^|[|&;]\s*)(patch|apply_patch)\b`), "patch application"},

	// find can delete or run arbitrary commands through these flags.
	{regexp.MustCompile(`(?i)\bfind\b.*\s-(delete|exec|execdir|ok|okdir)\b`), "find with side effects"},

	// In-place edits and subprocess escapes of otherwise read-only tools.
	{regexp.MustCompile(`(?i)\bsed\b[^|]*\s(-i|--in-place)\b`), "sed in-place edit"},
	{regexp.MustCompile(`(?i)\bawk\b[^|]*\bsystem\s*\(`), "awk system() call"},

	// Privilege escalation and host-level destruction.
	{regexp.MustCompile(`(?i)\bsudo\b`), "privilege escalation"},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|halt)\b`), "system power control"},
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), "filesystem creation"},
}

// safePatterns match whole read-only invocations of commands whose verb alone
// is not enough to judge. Currently just git, whose read-only subcommands are
// safe while the verb itself is not.
var safePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^git\s+(status|log|diff|show|branch|remote|blame|shortlog|describe|rev-parse|ls-files|grep)\b`),
}

// readOnlyVerbs is the allow-list for simple commands: the first token must
// appear here or the command is denied. Grouped by what the tools do.
var readOnlyVerbs = map[string]bool{
	// Listing and navigation.
	"ls": true, "pwd": true, "cd": true, "tree": true, "file": true,
	"stat": true, "readlink": true, "realpath": true, "basename": true,
	"dirname": true, "which": true, "whereis": true,

	// Reading file contents.
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"wc": true, "od": true, "xxd": true, "strings": true, "base64": true,
	"md5sum": true, "sha1sum": true, "sha256sum": true,

	// Search and text processing.
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "find": true,
	"awk": true, "sed": true, "cut": true, "sort": true, "uniq": true,
	"tr": true, "diff": true, "comm": true, "jq": true, "nl": true,
	"column": true,

	// Process and resource inspection.
	"ps": true, "free": true, "uptime": true, "uname": true, "du": true,
	"df": true, "id": true, "whoami": true, "groups": true,
	"printenv": true, "date": true, "cal": true, "hostname": true,

	// Network fetches, stdout only.
	"curl": true, "wget": true,

	// Harmless builtins.
	"echo": true, "printf": true, "true": true, "false": true,
	"sleep": true, "man": true,
}

// ValidateCommand decides whether a shell command line may run without
// mutating the host. Deny rules are checked first; the remaining allow rules
// are a strict whitelist, so anything unrecognized is denied. Pure and safe
// for concurrent use.
func ValidateCommand(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return denied("empty command")
	}

	for _, dp := range denyPatterns {
		if dp.pattern.MatchString(trimmed) {
			return denied(dp.reason)
		}
	}

	if hasShellConstruct(trimmed) {
		return denied("shell construct the validator cannot analyze")
	}

	// Compound command: every segment must pass on its own. A denied
	// segment can never ride in on a safe sibling.
	segments := splitSegments(trimmed)
	if len(segments) > 1 {
		for _, segment := range segments {
			if v := ValidateCommand(segment); !v.Allowed {
				return v
			}
		}
		return allowed()
	}

	if hasWriteRedirection(trimmed) && !isNetworkFetch(trimmed) {
		return denied("write redirection")
	}

	for _, sp := range safePatterns {
		if sp.MatchString(trimmed) {
			return allowed()
		}
	}

	verb := firstToken(trimmed)
	if readOnlyVerbs[verb] {
		return allowed()
	}
	return denied(fmt.Sprintf("%q is not in the read-only command allow-list", verb))
}

// splitSegments splits a command line on unquoted pipes and logical
// connectors (|, &&, ||). Quoted connectors stay inside their segment.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			current.WriteByte(c)
		case c == '&' && i+1 < len(command) && command[i+1] == '&':
			segments = append(segments, strings.TrimSpace(current.String()))
			current.Reset()
			i++
		case c == '|':
			if i+1 < len(command) && command[i+1] == '|' {
				i++
			}
			segments = append(segments, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	segments = append(segments, strings.TrimSpace(current.String()))
	return segments
}

// hasShellConstruct reports whether the command uses shell syntax whose
// effect the validator cannot see: command or process substitution,
// backgrounding, or statement separators. Single-quoted text is inert;
// substitution still fires inside double quotes.
func hasShellConstruct(command string) bool {
	var inSingle, inDouble bool
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case c == '\'' && !inDouble:
			inSingle = true
		case c == '"':
			inDouble = !inDouble
		case c == '`':
			return true
		case c == '$' && i+1 < len(command) && command[i+1] == '(':
			return true
		case c == '<' && i+1 < len(command) && command[i+1] == '(':
			return true
		case inDouble:
			// Everything else is literal inside double quotes.
		case c == ';':
			return true
		case c == '&':
			if i+1 < len(command) && command[i+1] == '&' {
				i++ // "&&" is a connector, handled by splitSegments
				continue
			}
			return true
		}
	}
	return false
}

// hasWriteRedirection reports whether the command redirects output to a
// file. File-descriptor duplication such as 2>&1 writes nothing and is not
// counted. Quoted ">" characters are literal.
func hasWriteRedirection(command string) bool {
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '>':
			if i+1 < len(command) && command[i+1] == '&' {
				i += 2
				continue
			}
			return true
		}
	}
	return false
}

// isNetworkFetch reports whether the segment's verb is a network fetch.
// Fetches may redirect stdout to a file; the fetch itself stays read-only.
func isNetworkFetch(segment string) bool {
	verb := firstToken(segment)
	return verb == "curl" || verb == "wget"
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
