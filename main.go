package main

import (
	"github.com/voxcraft/vox-cli/cmd"
)

// main is the entry point for the vox CLI.
func main() {
	cmd.Execute()
}
