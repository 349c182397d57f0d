package llmclient

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"display_name"`
	ContextWindow     int      `json:"context_window"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	UsesLocalShell    bool     `json:"uses_local_shell"`
	Aliases           []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog (February 2026). Codex-family models
// take the local_shell tool; everything else gets the shell function tool.
var Models = []ModelInfo{
	{
		ID: "gpt-5.2", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, SupportsReasoning: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, SupportsReasoning: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gpt-5.2-codex", DisplayName: "GPT-5.2 Codex",
		ContextWindow: 1047576, SupportsReasoning: true, UsesLocalShell: true,
		Aliases: []string{"codex"},
	},
	{
		ID: "o4-mini", DisplayName: "o4-mini",
		ContextWindow: 200000, SupportsReasoning: true, UsesLocalShell: true,
	},
	{
		ID: "o3", DisplayName: "o3",
		ContextWindow: 200000, SupportsReasoning: true, UsesLocalShell: true,
	},
	{
		ID: "gpt-4.1", DisplayName: "GPT-4.1",
		ContextWindow: 1047576,
	},
}

// LookupModel resolves a model id or alias against the catalog. Unknown ids
// fall back to prefix family matching so dated snapshots of known models
// resolve, and finally to conservative defaults.
func LookupModel(id string) ModelInfo {
	for _, m := range Models {
		if m.ID == id {
			return m
		}
		for _, alias := range m.Aliases {
			if alias == id {
				return m
			}
		}
	}
	best := -1
	for i, m := range Models {
		if strings.HasPrefix(id, m.ID+"-") && (best < 0 || len(m.ID) > len(Models[best].ID)) {
			best = i
		}
	}
	if best >= 0 {
		info := Models[best]
		info.ID = id
		return info
	}
	return ModelInfo{ID: id, DisplayName: id, ContextWindow: 128000}
}
