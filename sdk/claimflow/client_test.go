package claimflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"canvassing/services/signer"
)

func TestCallableClientClaimSignature(t *testing.T) {
	var got signer.CallableRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, signer.ClaimCallablePath, r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(signer.Result{Success: true, Signature: "0xabc", Nonce: "42"})
	}))
	defer srv.Close()

	client, err := NewCallableClient(CallableConfig{BaseURL: srv.URL + "/", Token: "token-1", Network: "celo"})
	require.NoError(t, err)
	res, err := client.ClaimSignature(context.Background(), "0x01", 42220, "0x02", "reward-1")
	require.NoError(t, err)
	require.Equal(t, "42", res.Nonce)
	require.Equal(t, "reward-1", got.RewardID)
	require.Empty(t, got.SurveyID)
	require.Equal(t, "celo", got.Network)
	require.Equal(t, uint64(42220), got.ChainID)
}

func TestCallableClientFailures(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		_ = json.NewEncoder(w).Encode(signer.Result{Success: false})
	}))
	defer srv.Close()

	client, err := NewCallableClient(CallableConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.ScreeningSignature(context.Background(), "0x01", 1, "0x02", "survey-1")
	require.ErrorIs(t, err, ErrSignatureUnavailable)

	status = http.StatusUnauthorized
	_, err = client.ScreeningSignature(context.Background(), "0x01", 1, "0x02", "survey-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")

	_, err = NewCallableClient(CallableConfig{})
	require.Error(t, err)
}
