package server

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/djeidy/codex-sub000/guides"
)

const basePrompt = `You are a troubleshooting assistant with shell access to the machine you
are running on. Engineers bring you logs, error messages, and misbehaving
systems; you investigate and propose fixes.

Ground your answers in what the machine actually reports: run read-only
commands to inspect state before drawing conclusions. Prefer the smallest
change that fixes the problem, and say what you changed. Commands that
modify state may require the user to approve them first; if an approval is
denied, explain what you wanted to learn and continue another way.

Uploaded files live in the session's upload directory; read them with the
shell tool like any other file.`

// maxPromptGuides caps how many guide summaries ride along in the
// instructions.
const maxPromptGuides = 25

// buildInstructions assembles the session instructions: the base prompt,
// facts about the host, and the guide index if any guides are loaded.
func buildInstructions(g *guides.Store) string {
	sections := []string{basePrompt, platformFacts()}
	if g != nil {
		if block := g.PromptContext(maxPromptGuides); block != "" {
			sections = append(sections, block+"\nFetch a guide's full text by asking the user or reading it from the guides directory.")
		}
	}
	return strings.Join(sections, "\n\n")
}

func platformFacts() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}
	return fmt.Sprintf("Host: %s (%s/%s). Working directory: %s. Date: %s.",
		hostname, runtime.GOOS, runtime.GOARCH, cwd, time.Now().Format("2006-01-02"))
}
