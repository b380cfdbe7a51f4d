package main

import (
	"log"

	"github.com/kestrelworks/foreman/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}
