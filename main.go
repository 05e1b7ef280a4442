// The main package for the recipe-importer executable.
package main

import (
	"github.com/JakeFAU/recipe-importer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
