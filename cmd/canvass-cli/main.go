package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"canvassing/cmd/internal/passphrase"
	"canvassing/crypto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "sign":
		return runSign(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "screen":
		return runScreen(args[1:], stdout, stderr)
	case "claim":
		return runClaim(args[1:], stdout, stderr)
	case "resume":
		return runResume(args[1:], stdout, stderr)
	case "reconcile":
		return runReconcile(args[1:], stdout, stderr)
	case "local-deploy":
		return runLocalDeploy(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: canvass-cli <command> [flags]

Commands:
  keygen        generate a signer or participant key into a keystore file
  address       print the address of a key
  sign          issue a screen or claim authorization offline
  verify        check an authorization signature against an owner address
  screen        register a participant on a survey contract
  claim         claim a reward on-chain and record it in the ledger
  resume        finish a claim whose confirmation was pending
  reconcile     compare the reward ledger with contract state
  local-deploy  deploy a survey contract on a local development chain`)
}

// keyFlags selects a private key the same way canvassd's signer settings do.
type keyFlags struct {
	hex           string
	env           string
	file          string
	keystore      string
	passphraseEnv string
}

func (k *keyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&k.hex, "key", "", "hex private key")
	fs.StringVar(&k.env, "key-env", "", "environment variable holding a hex private key")
	fs.StringVar(&k.file, "key-file", "", "file holding a hex private key")
	fs.StringVar(&k.keystore, "keystore", "", "encrypted keystore file")
	fs.StringVar(&k.passphraseEnv, "passphrase-env", "CANVASS_KEYSTORE_PASSPHRASE", "environment variable holding the keystore passphrase")
}

func (k keyFlags) source() crypto.KeySource {
	return crypto.KeySource{
		Hex:        k.hex,
		Env:        k.env,
		File:       k.file,
		Keystore:   k.keystore,
		Passphrase: passphrase.NewSource(k.passphraseEnv, "keystore passphrase").Get,
	}
}

func (k keyFlags) load() (*crypto.PrivateKey, error) {
	src := k.source()
	if src.Empty() {
		return nil, fmt.Errorf("one of --key, --key-env, --key-file or --keystore is required")
	}
	return src.Load()
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func writeResult(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
