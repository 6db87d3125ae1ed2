// Package skills holds the fixed table of skill presets exposed to the UI.
// A skill specializes the assistant for one job via a system-prompt addendum
// and an optional allowed-tool subset.
package skills

import "github.com/nestoz/vibecheck-agent/internal/protocol"

// Skill is one preset. The table is immutable after startup.
type Skill struct {
	ID           string
	Name         string
	Icon         string
	Description  string
	SystemPrompt string
	AllowedTools []string
}

var table = []Skill{
	{
		ID:          "code-review",
		Name:        "코드 리뷰",
		Icon:        "🔍",
		Description: "변경된 코드를 리뷰하고 개선점을 제안합니다",
		SystemPrompt: "You are performing a code review. Focus on correctness, " +
			"readability, and potential bugs. Do not modify any files; report " +
			"findings with file paths and line references.",
		AllowedTools: []string{"Read", "Glob", "Grep", "Bash"},
	},
	{
		ID:          "debugging",
		Name:        "디버깅",
		Icon:        "🐛",
		Description: "오류의 원인을 추적하고 수정합니다",
		SystemPrompt: "You are debugging an issue. Reproduce the failure first, " +
			"then trace the root cause before making the smallest fix that " +
			"resolves it.",
	},
	{
		ID:          "docs",
		Name:        "문서 작성",
		Icon:        "📝",
		Description: "코드에 맞는 문서를 작성합니다",
		SystemPrompt: "You are writing documentation. Read the relevant code " +
			"before documenting it and keep the prose consistent with existing docs.",
		AllowedTools: []string{"Read", "Write", "Edit", "Glob", "Grep"},
	},
	{
		ID:          "refactor",
		Name:        "리팩토링",
		Icon:        "♻️",
		Description: "동작을 유지하면서 코드 구조를 개선합니다",
		SystemPrompt: "You are refactoring. Preserve observable behavior, keep " +
			"changes incremental, and run existing tests after each step.",
	},
	{
		ID:          "test-writing",
		Name:        "테스트 작성",
		Icon:        "🧪",
		Description: "기존 코드에 대한 테스트를 작성합니다",
		SystemPrompt: "You are writing tests. Match the project's existing test " +
			"style and cover edge cases, not just the happy path.",
	},
}

// Lookup returns the skill with the given id, or nil when unknown.
func Lookup(id string) *Skill {
	for i := range table {
		if table[i].ID == id {
			return &table[i]
		}
	}
	return nil
}

// All returns the full preset table.
func All() []Skill {
	return table
}

// Infos returns the wire representation of the table for skill_list_response.
func Infos() []protocol.SkillInfo {
	infos := make([]protocol.SkillInfo, len(table))
	for i, s := range table {
		infos[i] = protocol.SkillInfo{
			ID:          s.ID,
			Name:        s.Name,
			Icon:        s.Icon,
			Description: s.Description,
		}
	}
	return infos
}
