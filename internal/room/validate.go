package room

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxFilenameLength = 255
	MaxNicknameLength = 6
	MaxPasswordLength = 16
	MaxChatLength     = 500

	MinParticipants = 2
	MaxParticipants = 150
)

// FileKind is how a file's content is edited
type FileKind string

const (
	FileText  FileKind = "text"
	FileImage FileKind = "image"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".ico": true,
}

// KindForName derives a file's kind from its extension
func KindForName(name string) FileKind {
	if imageExtensions[strings.ToLower(path.Ext(name))] {
		return FileImage
	}
	return FileText
}

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidateFilename enforces names that are portable across file systems
func ValidateFilename(name string) error {
	if name == "" {
		return newError(KindInvalidFilename, "name is empty")
	}
	if !utf8.ValidString(name) {
		return newError(KindInvalidFilename, "name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxFilenameLength {
		return newError(KindInvalidFilename, "name is longer than %d characters", MaxFilenameLength)
	}
	if name == "." || name == ".." {
		return newError(KindInvalidFilename, "%q is reserved", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			return newError(KindInvalidFilename, "character %q is not allowed", r)
		}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return newError(KindInvalidFilename, "name cannot end with a dot or space")
	}

	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[strings.ToUpper(base)] {
		return newError(KindInvalidFilename, "%q is a reserved name", base)
	}
	return nil
}

// ValidateNickname trims surrounding space, checks the length in code points
// and rejects control characters.
func ValidateNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(nickname)
	if n == 0 {
		return "", newError(KindInvalidNickname, "nickname is empty")
	}
	if n > MaxNicknameLength {
		return "", newError(KindInvalidNickname, "nickname is longer than %d characters", MaxNicknameLength)
	}
	for _, r := range nickname {
		if unicode.IsControl(r) {
			return "", newError(KindInvalidNickname, "nickname contains control characters")
		}
	}
	return nickname, nil
}

func ValidatePassword(password string) error {
	if password == "" || len(password) > MaxPasswordLength {
		return newError(KindInvalidRequest, "password must be 1-%d characters", MaxPasswordLength)
	}
	for _, r := range password {
		if !isAlphanumeric(r) {
			return newError(KindInvalidRequest, "password must be alphanumeric")
		}
	}
	return nil
}

func ValidateChat(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(KindInvalidMessage, "message is empty")
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return "", newError(KindInvalidMessage, "message is longer than %d characters", MaxChatLength)
	}
	return text, nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
