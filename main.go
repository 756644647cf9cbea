// The main package for the channel-retriever executable.
package main

import (
	"github.com/JakeFAU/channel-retriever/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
