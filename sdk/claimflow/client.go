package claimflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"canvassing/services/signer"
)

// CallableConfig defines the HTTP client settings for the signature callables.
type CallableConfig struct {
	BaseURL string
	// Token is the participant's bearer JWT.
	Token   string
	Network string
	Timeout time.Duration
}

// CallableClient requests signatures from canvassd over HTTP.
type CallableClient struct {
	baseURL    string
	token      string
	network    string
	httpClient *http.Client
}

func NewCallableClient(cfg CallableConfig) (*CallableClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("claimflow: callable base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CallableClient{
		baseURL:    strings.TrimRight(base, "/"),
		token:      strings.TrimSpace(cfg.Token),
		network:    strings.TrimSpace(cfg.Network),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *CallableClient) ScreeningSignature(ctx context.Context, contract string, chainID uint64, participant, surveyID string) (signer.Result, error) {
	return c.call(ctx, signer.ScreeningCallablePath, signer.CallableRequest{
		SurveyContractAddress:    contract,
		ChainID:                  chainID,
		ParticipantWalletAddress: participant,
		SurveyID:                 surveyID,
		Network:                  c.network,
	})
}

func (c *CallableClient) ClaimSignature(ctx context.Context, contract string, chainID uint64, participant, rewardID string) (signer.Result, error) {
	return c.call(ctx, signer.ClaimCallablePath, signer.CallableRequest{
		SurveyContractAddress:    contract,
		ChainID:                  chainID,
		ParticipantWalletAddress: participant,
		RewardID:                 rewardID,
		Network:                  c.network,
	})
}

func (c *CallableClient) call(ctx context.Context, path string, body signer.CallableRequest) (signer.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return signer.Result{}, fmt.Errorf("claimflow: encode callable: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return signer.Result{}, fmt.Errorf("claimflow: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signer.Result{}, fmt.Errorf("claimflow: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return signer.Result{}, fmt.Errorf("claimflow: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var result signer.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return signer.Result{}, fmt.Errorf("claimflow: decode callable: %w", err)
	}
	if !result.Success {
		return result, ErrSignatureUnavailable
	}
	return result, nil
}
