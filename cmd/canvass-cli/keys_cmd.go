package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"canvassing/cmd/internal/passphrase"
	"canvassing/core/authorization"
	"canvassing/crypto"
	"canvassing/services/signer"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	var out, passEnv string
	fs.StringVar(&out, "out", "", "keystore file to write")
	fs.StringVar(&passEnv, "passphrase-env", "CANVASS_KEYSTORE_PASSPHRASE", "environment variable holding the keystore passphrase")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		return 1
	}
	secret, err := passphrase.NewSource(passEnv, "new keystore passphrase").Get()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	if err := crypto.SaveToKeystore(out, key, secret); err != nil {
		return fail(stderr, err)
	}
	writeResult(stdout, map[string]string{"address": key.Address().Hex(), "keystore": out})
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	var keys keyFlags
	keys.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	key, err := keys.load()
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}

type authFlags struct {
	kind        string
	contract    string
	chainID     uint64
	participant string
	subject     string
}

func (a *authFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.kind, "kind", "", "screen or claim")
	fs.StringVar(&a.contract, "contract", "", "survey contract address")
	fs.Uint64Var(&a.chainID, "chain-id", 0, "chain id the contract is deployed on")
	fs.StringVar(&a.participant, "participant", "", "participant wallet address")
	fs.StringVar(&a.subject, "subject", "", "survey id for screen, reward id for claim")
}

func (a authFlags) request() (signer.Request, error) {
	kind, err := authorization.ParseKind(a.kind)
	if err != nil {
		return signer.Request{}, err
	}
	if strings.TrimSpace(a.subject) == "" {
		return signer.Request{}, fmt.Errorf("--subject is required")
	}
	return signer.Request{
		Kind:        kind,
		Contract:    a.contract,
		ChainID:     a.chainID,
		Participant: a.participant,
		SubjectID:   a.subject,
	}, nil
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	var keys keyFlags
	var auth authFlags
	keys.register(fs)
	auth.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	req, err := auth.request()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := keys.load()
	if err != nil {
		return fail(stderr, err)
	}
	authority, err := signer.New(key)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := authority.Sign(context.Background(), req)
	if err != nil {
		return fail(stderr, err)
	}
	writeResult(stdout, res)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	var auth authFlags
	var owner, nonce, signature string
	auth.register(fs)
	fs.StringVar(&owner, "owner", "", "expected signer address")
	fs.StringVar(&nonce, "nonce", "", "authorization nonce (decimal or 0x hex)")
	fs.StringVar(&signature, "signature", "", "0x-prefixed 65-byte signature")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	req, err := auth.request()
	if err != nil {
		return fail(stderr, err)
	}
	expected, err := crypto.ParseAddress(owner)
	if err != nil {
		return fail(stderr, fmt.Errorf("--owner: %w", err))
	}
	contract, err := crypto.ParseAddress(req.Contract)
	if err != nil {
		return fail(stderr, fmt.Errorf("--contract: %w", err))
	}
	participant, err := crypto.ParseAddress(req.Participant)
	if err != nil {
		return fail(stderr, fmt.Errorf("--participant: %w", err))
	}
	n, err := authorization.ParseNonce(nonce)
	if err != nil {
		return fail(stderr, err)
	}
	sig, err := authorization.DecodeSignature(signature)
	if err != nil {
		return fail(stderr, err)
	}
	a := authorization.Authorization{
		Kind:        req.Kind,
		Contract:    contract,
		ChainID:     req.ChainID,
		Participant: participant,
		SubjectID:   strings.TrimSpace(req.SubjectID),
		Nonce:       n,
	}
	recovered, err := a.Recover(sig)
	if err != nil {
		return fail(stderr, err)
	}
	valid := recovered == expected
	writeResult(stdout, map[string]interface{}{"valid": valid, "recovered": recovered.Hex()})
	if !valid {
		return 2
	}
	return 0
}
