// Package config loads the network registry that maps network names to chain
// ids and RPC endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrUnknownNetwork  = errors.New("config: unknown network")
	ErrNetworkMismatch = errors.New("config: network does not match chain id")
)

// Network describes one chain the eligibility contracts are deployed on.
type Network struct {
	Name        string `toml:"Name"`
	ChainID     uint64 `toml:"ChainID"`
	RPCURL      string `toml:"RPCURL"`
	ExplorerURL string `toml:"ExplorerURL,omitempty"`
	RewardToken string `toml:"RewardToken,omitempty"`
	Testnet     bool   `toml:"Testnet"`
}

// Registry is the decoded networks file.
type Registry struct {
	Default  string    `toml:"Default"`
	Networks []Network `toml:"Network"`
}

// Load reads the registry at path. A missing file is created with the
// default networks.
func Load(path string) (*Registry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	reg := &Registry{}
	meta, err := toml.DecodeFile(path, reg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s has unknown key %s", path, undecoded[0])
	}
	reg.normalise()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Parse decodes a registry from TOML text.
func Parse(raw string) (*Registry, error) {
	reg := &Registry{}
	if _, err := toml.Decode(raw, reg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	reg.normalise()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Defaults returns the built-in registry.
func Defaults() *Registry {
	return &Registry{
		Default: "celo",
		Networks: []Network{
			{Name: "celo", ChainID: 42220, RPCURL: "https://forno.celo.org", ExplorerURL: "https://celoscan.io"},
			{Name: "celo-alfajores", ChainID: 44787, RPCURL: "https://alfajores-forno.celo-testnet.org", ExplorerURL: "https://alfajores.celoscan.io", Testnet: true},
			{Name: "local", ChainID: 31337, RPCURL: "http://127.0.0.1:8545", Testnet: true},
		},
	}
}

func (r *Registry) normalise() {
	r.Default = strings.ToLower(strings.TrimSpace(r.Default))
	for i := range r.Networks {
		n := &r.Networks[i]
		n.Name = strings.ToLower(strings.TrimSpace(n.Name))
		n.RPCURL = strings.TrimSpace(n.RPCURL)
		n.ExplorerURL = strings.TrimRight(strings.TrimSpace(n.ExplorerURL), "/")
		n.RewardToken = strings.TrimSpace(n.RewardToken)
	}
	if r.Default == "" && len(r.Networks) > 0 {
		r.Default = r.Networks[0].Name
	}
}

// Validate checks names and chain ids are set and unique.
func (r *Registry) Validate() error {
	if len(r.Networks) == 0 {
		return errors.New("config: at least one network required")
	}
	names := make(map[string]struct{}, len(r.Networks))
	chains := make(map[uint64]string, len(r.Networks))
	for _, n := range r.Networks {
		if n.Name == "" {
			return errors.New("config: network name required")
		}
		if n.ChainID == 0 {
			return fmt.Errorf("config: network %s: chain id required", n.Name)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("config: duplicate network %s", n.Name)
		}
		if other, dup := chains[n.ChainID]; dup {
			return fmt.Errorf("config: networks %s and %s share chain id %d", other, n.Name, n.ChainID)
		}
		names[n.Name] = struct{}{}
		chains[n.ChainID] = n.Name
	}
	if _, ok := names[r.Default]; !ok {
		return fmt.Errorf("config: default network %s not defined", r.Default)
	}
	return nil
}

// ByName looks a network up by name, case-insensitively.
func (r *Registry) ByName(name string) (Network, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		want = r.Default
	}
	for _, n := range r.Networks {
		if n.Name == want {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
}

func (r *Registry) ByChainID(chainID uint64) (Network, error) {
	for _, n := range r.Networks {
		if n.ChainID == chainID {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("%w: chain %d", ErrUnknownNetwork, chainID)
}

// Resolve checks that name and chainID refer to the same network. An empty
// name accepts any registered chain id.
func (r *Registry) Resolve(name string, chainID uint64) (Network, error) {
	n, err := r.ByChainID(chainID)
	if err != nil {
		return Network{}, err
	}
	if strings.TrimSpace(name) != "" && n.Name != strings.ToLower(strings.TrimSpace(name)) {
		return Network{}, fmt.Errorf("%w: %s is chain %d", ErrNetworkMismatch, name, chainID)
	}
	return n, nil
}

// Names lists the registered network names in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.Networks))
	for _, n := range r.Networks {
		out = append(out, n.Name)
	}
	sort.Strings(out)
	return out
}

func createDefault(path string) (*Registry, error) {
	reg := Defaults()
	if err := persist(path, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func persist(path string, reg *Registry) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(reg)
}
