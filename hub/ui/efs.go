// Package ui embeds the hub's templates and static assets.
package ui

import "embed"

//go:embed "html" "static"
var Files embed.FS
