package types

import (
	"path"
	"regexp"
	"strings"
)

var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxFileNameBytes = 255

// IsValidSessionID checks the id format. Session ids become directory and
// container names, so only a conservative alphabet is accepted.
func IsValidSessionID(id string) bool {
	if len(id) < 1 || len(id) > 100 {
		return false
	}
	return sessionIDRegex.MatchString(id)
}

// IsClientEvent reports whether name is an event a client may send.
func IsClientEvent(name string) bool {
	switch name {
	case EventStartSession,
		EventEndSession,
		EventJoinSession,
		EventLeaveSession,
		EventPrintFile,
		EventGetSessionFiles,
		EventGetActiveSession:
		return true
	default:
		return false
	}
}

// SanitizeFileName reduces a client-declared name to its base component.
// Both slash styles are treated as separators so "..\..\boot.ini" and
// "../../etc/passwd" end up as "boot.ini" and "passwd".
func SanitizeFileName(declared string) (string, error) {
	if strings.ContainsRune(declared, 0) {
		return "", ErrInvalidFileName
	}
	name := strings.ReplaceAll(declared, `\`, "/")
	name = strings.TrimRight(name, "/")
	name = strings.TrimSpace(path.Base(name))
	switch name {
	case "", ".", "..", "/":
		return "", ErrInvalidFileName
	}
	if len(name) > maxFileNameBytes {
		return "", ErrInvalidFileName
	}
	return name, nil
}
