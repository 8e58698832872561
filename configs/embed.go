package configs

import "embed"

// ProfileDefaults contains the debugger launch profiles written to an empty
// profiles directory.
//
//go:embed profiles/*.yaml
var ProfileDefaults embed.FS
