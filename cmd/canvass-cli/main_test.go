package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"canvassing/crypto"
)

const (
	testContract    = "0x5000000000000000000000000000000000000005"
	testParticipant = "0x7000000000000000000000000000000000000007"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errb bytes.Buffer
	require.Equal(t, 1, run([]string{"bogus"}, &out, &errb))
	require.Contains(t, errb.String(), "Unknown command: bogus")
	require.Contains(t, errb.String(), "Usage: canvass-cli")
}

func TestRunHelp(t *testing.T) {
	var out, errb bytes.Buffer
	require.Equal(t, 0, run([]string{"help"}, &out, &errb))
	require.Contains(t, out.String(), "reconcile")
	require.Equal(t, 1, run(nil, &out, &errb))
}

func TestSignThenVerify(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(key.Bytes())

	authArgs := []string{
		"--kind", "claim",
		"--contract", testContract,
		"--chain-id", "31337",
		"--participant", testParticipant,
		"--subject", "reward-1",
	}

	var out, errb bytes.Buffer
	code := run(append([]string{"sign", "--key", hexKey}, authArgs...), &out, &errb)
	require.Equal(t, 0, code, errb.String())

	var signed struct {
		Success   bool   `json:"success"`
		Signature string `json:"signature"`
		Nonce     string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &signed))
	require.True(t, signed.Success)
	require.NotEmpty(t, signed.Signature)

	verify := append([]string{"verify",
		"--owner", key.Address().Hex(),
		"--nonce", signed.Nonce,
		"--signature", signed.Signature,
	}, authArgs...)
	out.Reset()
	require.Equal(t, 0, run(verify, &out, &errb), errb.String())
	require.Contains(t, out.String(), `"valid": true`)

	// A different subject recovers a different address.
	tampered := make([]string, len(verify))
	copy(tampered, verify)
	tampered[len(tampered)-1] = "reward-2"
	out.Reset()
	require.Equal(t, 2, run(tampered, &out, &errb))
	require.Contains(t, out.String(), `"valid": false`)
}

func TestSignRequiresKeyAndSubject(t *testing.T) {
	var out, errb bytes.Buffer
	code := run([]string{"sign", "--kind", "screen", "--contract", testContract, "--chain-id", "1", "--participant", testParticipant, "--subject", "s"}, &out, &errb)
	require.Equal(t, 1, code)
	require.Contains(t, errb.String(), "--key")

	errb.Reset()
	code = run([]string{"sign", "--kind", "screen", "--key", "00"}, &out, &errb)
	require.Equal(t, 1, code)
	require.Contains(t, errb.String(), "--subject is required")
}

func TestKeygenThenAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participant.json")
	t.Setenv("CANVASS_TEST_PASSPHRASE", "correct horse")

	var out, errb bytes.Buffer
	code := run([]string{"keygen", "--out", path, "--passphrase-env", "CANVASS_TEST_PASSPHRASE"}, &out, &errb)
	require.Equal(t, 0, code, errb.String())
	var generated map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &generated))
	require.Equal(t, path, generated["keystore"])

	out.Reset()
	code = run([]string{"address", "--keystore", path, "--passphrase-env", "CANVASS_TEST_PASSPHRASE"}, &out, &errb)
	require.Equal(t, 0, code, errb.String())
	require.Equal(t, generated["address"], strings.TrimSpace(out.String()))
}

func TestFlowCommandsValidateIDs(t *testing.T) {
	var out, errb bytes.Buffer
	require.Equal(t, 1, run([]string{"claim", "--reward-id", "nope"}, &out, &errb))
	require.Contains(t, errb.String(), "--reward-id must be a uuid")

	errb.Reset()
	require.Equal(t, 1, run([]string{"resume", "--reward-id", "6a0f5d5e-4c4b-4d1e-9d7d-0f6f9c1e2a3b", "--tx", "0x12"}, &out, &errb))
	require.Contains(t, errb.String(), "--tx:")

	errb.Reset()
	require.Equal(t, 1, run([]string{"reconcile", "--survey-id", "nope"}, &out, &errb))
	require.Contains(t, errb.String(), "--survey-id must be a uuid")
}

func TestParseTxHash(t *testing.T) {
	want := "0x" + strings.Repeat("ab", 32)
	hash, err := parseTxHash(" " + want + " ")
	require.NoError(t, err)
	require.Equal(t, want, hash.Hex())

	for _, raw := range []string{
		"",
		"0x12",
		strings.Repeat("ab", 32),
		"0x" + strings.Repeat("zz", 32),
		"0x" + strings.Repeat("ab", 33),
	} {
		_, err := parseTxHash(raw)
		require.Error(t, err, raw)
	}
}

func TestLocalDeployPersistsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chain")
	args := []string{"local-deploy",
		"--local-state", dir,
		"--contract", testContract,
		"--owner", testParticipant,
		"--token", "0x6000000000000000000000000000000000000006",
		"--reward", "50000000000000000",
		"--target", "10",
		"--fund", "150000000000000000",
	}
	var out, errb bytes.Buffer
	require.Equal(t, 0, run(args, &out, &errb), errb.String())
	var deployed map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &deployed))
	require.Equal(t, "150000000000000000", deployed["balance"])
	require.EqualValues(t, 31337, deployed["chainId"])

	// The state directory outlives the process; a second deploy is refused.
	errb.Reset()
	require.Equal(t, 1, run(args, &out, &errb))
	require.Contains(t, errb.String(), "Error:")

	errb.Reset()
	require.Equal(t, 1, run([]string{"local-deploy", "--local-state", dir, "--contract", testContract, "--owner", testParticipant, "--token", testContract, "--reward", "-1"}, &out, &errb))
	require.Contains(t, errb.String(), "--reward")
}
