package session

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flexicli/internal/tools"
)

// AgentType names a mini-agent specialization.
type AgentType string

// The built-in agent types.
const (
	AgentSearch        AgentType = "search"
	AgentMigration     AgentType = "migration"
	AgentAnalysis      AgentType = "analysis"
	AgentRefactor      AgentType = "refactor"
	AgentTest          AgentType = "test"
	AgentDocumentation AgentType = "documentation"
	AgentGeneral       AgentType = "general"
)

// AgentTypes lists every built-in type in display order.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentSearch, AgentAnalysis, AgentMigration, AgentRefactor,
		AgentTest, AgentDocumentation, AgentGeneral,
	}
}

// Template carries the defaults applied to every agent of a type. A
// project can override any field per type with
// .flexicli/agents/<type>.yaml; omitted fields keep the built-in
// values.
type Template struct {
	// Prompt is prefixed to the agent's system prompt.
	Prompt string `yaml:"prompt"`

	// Tools is the default allowed tool set. Tightened further when the
	// spawn request carries its own allowed list.
	Tools []string `yaml:"tools"`

	// Permissions bound every call the agent makes. Merged with the
	// request's permissions and the spawner policy, keeping only what
	// all three grant.
	Permissions tools.Permissions `yaml:"permissions"`

	// MaxTokens caps the agent's total token spend.
	MaxTokens int `yaml:"max_tokens"`
}

// defaultTemplates returns the built-in table. Read-only types carry no
// write tools at all, so even a permissive override in the request
// cannot widen them past the template.
func defaultTemplates() map[AgentType]Template {
	readPerms := tools.Permissions{
		ReadOnly:         true,
		FilesystemAccess: tools.FSRead,
	}
	writePerms := tools.Permissions{
		FilesystemAccess: tools.FSWrite,
	}

	t := map[AgentType]Template{
		AgentSearch: {
			Prompt: "You are a search agent. Locate the code, symbols, and usages relevant " +
				"to the request and report file paths with line ranges. Do not propose edits.",
			Tools:       []string{"grep", "read_file", "list_dir"},
			Permissions: readPerms,
			MaxTokens:   8000,
		},
		AgentAnalysis: {
			Prompt: "You are an analysis agent. Read the relevant code and explain behavior, " +
				"risks, and root causes. Do not modify anything.",
			Tools:       []string{"grep", "read_file", "list_dir"},
			Permissions: readPerms,
			MaxTokens:   15000,
		},
		AgentMigration: {
			Prompt: "You are a migration agent. Apply the requested migration across the " +
				"codebase in small, verifiable steps.",
			Tools:       []string{"grep", "read_file", "list_dir", "write_file", "edit_file", "shell"},
			Permissions: writePerms,
			MaxTokens:   15000,
		},
		AgentRefactor: {
			Prompt: "You are a refactoring agent. Restructure the code without changing its " +
				"behavior. Keep edits minimal and consistent.",
			Tools:       []string{"grep", "read_file", "list_dir", "write_file", "edit_file"},
			Permissions: writePerms,
			MaxTokens:   15000,
		},
		AgentTest: {
			Prompt: "You are a test agent. Write or repair tests for the requested behavior " +
				"and run them to confirm they pass.",
			Tools:       []string{"grep", "read_file", "list_dir", "write_file", "edit_file", "shell"},
			Permissions: writePerms,
			MaxTokens:   12000,
		},
		AgentDocumentation: {
			Prompt: "You are a documentation agent. Write or update documentation and " +
				"comments for the requested surface. Touch nothing else.",
			Tools:       []string{"grep", "read_file", "list_dir", "write_file", "edit_file"},
			Permissions: writePerms,
			MaxTokens:   10000,
		},
		AgentGeneral: {
			Prompt: "You are a general-purpose agent. Complete the delegated task with " +
				"the tools available.",
			Tools:       []string{"grep", "read_file", "list_dir", "write_file", "edit_file", "shell"},
			Permissions: writePerms,
			MaxTokens:   12000,
		},
	}

	caps := map[AgentType]int{
		AgentSearch:        10,
		AgentAnalysis:      15,
		AgentMigration:     40,
		AgentRefactor:      30,
		AgentTest:          30,
		AgentDocumentation: 15,
		AgentGeneral:       20,
	}
	for typ, tpl := range t {
		tpl.Permissions.MaxToolCalls = caps[typ]
		t[typ] = tpl
	}
	return t
}

// LoadTemplates returns the built-in templates with per-type overrides
// from dir applied. A missing directory or missing files mean no
// overrides; a present but malformed file is an error.
func LoadTemplates(dir string) (map[AgentType]Template, error) {
	templates := defaultTemplates()
	if dir == "" {
		return templates, nil
	}
	for typ := range templates {
		path := filepath.Join(dir, string(typ)+".yaml")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("agent template %s: %w", path, err)
		}
		tpl := templates[typ]
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("agent template %s: %w", path, err)
		}
		templates[typ] = tpl
	}
	return templates, nil
}
