// Package templates embeds the default configuration scaffold.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
