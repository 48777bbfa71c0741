package canvassd

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"canvassing/config"
	"canvassing/ledger/models"
	"canvassing/ledger/recon"
	native "canvassing/native/eligibility"
	"canvassing/sdk/eligibility"
)

// ChainResolver binds read-only survey contracts over the RPC endpoint of
// each registered network. Clients are dialled once per chain.
type ChainResolver struct {
	networks *config.Registry

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

func NewChainResolver(networks *config.Registry) *ChainResolver {
	return &ChainResolver{networks: networks, clients: make(map[uint64]*ethclient.Client)}
}

func (c *ChainResolver) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[chainID]; ok {
		return client, nil
	}
	network, err := c.networks.ByChainID(chainID)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.Name, err)
	}
	c.clients[chainID] = client
	return client, nil
}

// Contract binds the survey's contract without a transaction key.
func (c *ChainResolver) Contract(ctx context.Context, survey models.Survey) (eligibility.Contract, error) {
	client, err := c.client(ctx, survey.ChainID)
	if err != nil {
		return nil, err
	}
	contract, err := eligibility.NewEVMContract(client, common.HexToAddress(survey.ContractAddress), survey.ChainID, nil)
	if err != nil {
		return nil, err
	}
	return eligibility.WithVersion(contract, native.Version(survey.ContractVersion))
}

// Resolve adapts Contract to the reconciler.
func (c *ChainResolver) Resolve(ctx context.Context, survey models.Survey) (recon.ContractReader, error) {
	return c.Contract(ctx, survey)
}

// Close releases every dialled client.
func (c *ChainResolver) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, client := range c.clients {
		client.Close()
		delete(c.clients, id)
	}
}
