// Package assets embeds static text shipped with the binaries. Prompt
// templates live under prompts/ so they can be edited without touching Go
// code.
package assets

import (
	_ "embed"
	"strings"
)

//go:embed prompts/tryon.txt
var tryOnPrompt string

// TryOnPrompt returns the default instruction sent after the subject and
// garment images.
func TryOnPrompt() string {
	return strings.TrimSpace(tryOnPrompt)
}
