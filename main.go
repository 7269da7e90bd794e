// The main package for the wfsharvest executable.
package main

import (
	"wfsharvest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
