// The entrypoint for the paracordctl demo CLI.
package main

import (
	"log"

	"github.com/scdouglas/paracord/cmd/paracordctl/commands"
)

// Initialises and executes the command hierarchy.
func main() {
	if err := commands.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
