package cmd

// Version is the application version.
// Intended to be set at build time using ldflags:
//
//	go build -ldflags "-X github.com/voxcraft/vox-cli/cmd.Version=1.0.0"
var Version = "0.1.0"
