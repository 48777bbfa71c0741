package main

import (
	"log"

	"canvassing/cmd/internal/passphrase"
	"canvassing/services/canvassd"
)

func main() {
	source := func(envVar string) func() (string, error) {
		return passphrase.NewSource(envVar, "signer keystore passphrase").Get
	}
	if err := canvassd.Main(source); err != nil {
		log.Fatalf("canvassd: %v", err)
	}
}
