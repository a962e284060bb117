package cmd

// Version is the overstory release version, overridden at build time
// with -ldflags "-X github.com/overstory-ai/overstory/internal/cmd.Version=...".
var Version = "0.3.0-dev"
