package execution

import (
	"path"
	"strings"
)

// Language is a runtime known to the sandbox runner
type Language struct {
	Name    string `json:"language"`
	Version string `json:"version"`
}

var languagesByExt = map[string]Language{
	".c":     {"c", "10.2.0"},
	".cpp":   {"c++", "10.2.0"},
	".cc":    {"c++", "10.2.0"},
	".cs":    {"csharp", "6.12.0"},
	".go":    {"go", "1.16.2"},
	".java":  {"java", "15.0.2"},
	".js":    {"javascript", "18.15.0"},
	".kt":    {"kotlin", "1.8.20"},
	".py":    {"python", "3.10.0"},
	".rb":    {"ruby", "3.0.1"},
	".rs":    {"rust", "1.68.2"},
	".swift": {"swift", "5.3.3"},
	".ts":    {"typescript", "5.0.3"},
}

// LanguageFor resolves the runtime for a file by its extension
func LanguageFor(filename string) (Language, bool) {
	ext := strings.ToLower(path.Ext(filename))
	lang, ok := languagesByExt[ext]
	return lang, ok
}

// Supported reports whether a file can be executed at all
func Supported(filename string) bool {
	_, ok := LanguageFor(filename)
	return ok
}
