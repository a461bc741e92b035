package main

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GenerateUUID returns a random (version 4) UUID string
func GenerateUUID() string {
	return uuid.NewString()
}

// ValidUUID reports whether s parses as a UUID
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ClampName trims s and cuts it to at most max runes, falling back to def
// when nothing is left.
func ClampName(s string, max int, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
