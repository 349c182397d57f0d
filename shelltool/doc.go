// Package shelltool validates and executes the shell commands a model
// requests during an agent turn.
//
// The validator is an allow-list. A command line is denied unless every part
// of it is recognizably read-only: deny patterns for mutating verbs are
// checked first, shell constructs the validator cannot reason about
// (substitution, backgrounding, statement separators) are rejected, compound
// commands are split on pipes and logical connectors with every segment
// validated on its own, write redirections are rejected outside of network
// fetches, and a simple command passes only when its verb is in a fixed
// read-only set. Unknown commands are denied by default.
//
// The executor runs approved commands exactly as given (argv exec, no
// implicit shell) in their own process group, with a bounded timeout, a
// filtered environment, and head/tail truncation of oversized output.
// Whether a command needs human confirmation before running is governed by
// an ApprovalPolicy.
//
// The validator is a safety net for an assistant operating on its own
// machine, not a security boundary against a hostile model.
package shelltool
