package bsock

import "strings"

// BashSpaces replaces spaces with 0x01 so a name survives a
// whitespace-separated protocol line.
func BashSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "\x01")
}

// UnbashSpaces reverses BashSpaces.
func UnbashSpaces(s string) string {
	return strings.ReplaceAll(s, "\x01", " ")
}
