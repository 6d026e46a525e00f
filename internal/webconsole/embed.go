// ABOUTME: Embeds HTML templates and help pages into the binary using go:embed
// ABOUTME: Provides templateFS and helpFS for loading them at runtime

package webconsole

import "embed"

//go:embed templates/*.html
var templateFS embed.FS

//go:embed docs/help/*.md
var helpFS embed.FS
