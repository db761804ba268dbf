package chain

import (
	"fmt"
	"sort"
	"strings"
)

// Network identifies a Bitcoin network the monitor can attach to
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// MaxBlockWeight is the consensus block weight limit in weight units
const MaxBlockWeight = 4_000_000

// WitnessScaleFactor converts weight units to virtual bytes
const WitnessScaleFactor = 4

// Params holds the fixed per-network settings
type Params struct {
	Network        Network
	DefaultRPCPort int
	// DataSubdir is the directory below the node's data directory that holds
	// this network's files. Empty for mainnet.
	DataSubdir     string
	MaxBlockWeight int64
	// TemplateRules are the rule names sent with getblocktemplate.
	TemplateRules []string
}

var params = map[Network]Params{
	Mainnet: {
		Network:        Mainnet,
		DefaultRPCPort: 8332,
		DataSubdir:     "",
		MaxBlockWeight: MaxBlockWeight,
		TemplateRules:  []string{"segwit"},
	},
	Testnet: {
		Network:        Testnet,
		DefaultRPCPort: 18332,
		DataSubdir:     "testnet3",
		MaxBlockWeight: MaxBlockWeight,
		TemplateRules:  []string{"segwit"},
	},
	Signet: {
		Network:        Signet,
		DefaultRPCPort: 38332,
		DataSubdir:     "signet",
		MaxBlockWeight: MaxBlockWeight,
		TemplateRules:  []string{"segwit", "signet"},
	},
	Regtest: {
		Network:        Regtest,
		DefaultRPCPort: 18443,
		DataSubdir:     "regtest",
		MaxBlockWeight: MaxBlockWeight,
		TemplateRules:  []string{"segwit"},
	},
}

var aliases = map[string]Network{
	"main":     Mainnet,
	"mainnet":  Mainnet,
	"test":     Testnet,
	"testnet":  Testnet,
	"testnet3": Testnet,
	"signet":   Signet,
	"regtest":  Regtest,
}

// Parse maps a user supplied network name (including the names Bitcoin Core
// reports in getblockchaininfo) to a Network
func Parse(name string) (Network, error) {
	network, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unsupported network %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return network, nil
}

// Names returns the canonical network names in sorted order
func Names() []string {
	names := make([]string, 0, len(params))
	for network := range params {
		names = append(names, string(network))
	}
	sort.Strings(names)
	return names
}

// ParamsFor returns the settings of a network
func ParamsFor(network Network) (Params, error) {
	p, ok := params[network]
	if !ok {
		return Params{}, fmt.Errorf("unsupported network %q", network)
	}
	p.TemplateRules = append([]string(nil), p.TemplateRules...)
	return p, nil
}

// MaxBlockVSize is the block limit expressed in virtual bytes
func (p Params) MaxBlockVSize() int64 {
	return p.MaxBlockWeight / WitnessScaleFactor
}

func (n Network) String() string {
	return string(n)
}
