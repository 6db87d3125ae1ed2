package executor

import "fmt"

// Fixed tool-status labels shown in the UI for each (tool, status) pair.
var toolLabels = map[string]struct{ start, end string }{
	"Read":         {"📖 파일 읽는 중...", "📖 파일 읽기 완료"},
	"Write":        {"✏️ 파일 작성 중...", "✏️ 파일 작성 완료"},
	"Edit":         {"✏️ 파일 수정 중...", "✏️ 파일 수정 완료"},
	"Bash":         {"💻 명령어 실행 중...", "💻 명령어 실행 완료"},
	"Glob":         {"🔍 파일 검색 중...", "🔍 파일 검색 완료"},
	"Grep":         {"🔍 코드 검색 중...", "🔍 코드 검색 완료"},
	"WebFetch":     {"🌐 웹 페이지 가져오는 중...", "🌐 웹 페이지 가져오기 완료"},
	"WebSearch":    {"🌐 웹 검색 중...", "🌐 웹 검색 완료"},
	"TodoWrite":    {"📋 할 일 목록 업데이트 중...", "📋 할 일 목록 업데이트 완료"},
	"NotebookEdit": {"📓 노트북 수정 중...", "📓 노트북 수정 완료"},
}

// toolLabel returns the UI label for a tool-status event. Unknown tools get
// a generic wrench label.
func toolLabel(tool, status string) string {
	if labels, ok := toolLabels[tool]; ok {
		if status == "start" {
			return labels.start
		}
		return labels.end
	}
	if status == "start" {
		return fmt.Sprintf("🔧 %s 실행 중...", tool)
	}
	return fmt.Sprintf("🔧 %s 완료", tool)
}
