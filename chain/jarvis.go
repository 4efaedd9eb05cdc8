package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	jarviscommon "github.com/tranvictor/jarvis/common"
	"github.com/tranvictor/jarvis/networks"
	"github.com/tranvictor/jarvis/util"
)

// Statuses jarvis reports for a transaction hash.
const (
	txStatusPending  = "pending"
	txStatusNotFound = "notfound"
)

// NodeReader is the part of the jarvis reader the client reads the chain
// with. *reader.EthReader implements it.
type NodeReader interface {
	GetBalance(address string) (*big.Int, error)
	ERC20Balance(tokenAddress string, user string) (*big.Int, error)
	GetPendingNonce(address string) (uint64, error)
	SuggestedGasSettings() (gasPriceGwei float64, tipCapGwei float64, err error)
	EstimateExactGas(from, to string, priceGwei float64, value *big.Int, data []byte) (uint64, error)
	TxInfoFromHash(hash string) (jarviscommon.TxInfo, error)
}

// NodeBroadcaster sends signed transactions to every node of a network.
// *broadcaster.Broadcaster implements it.
type NodeBroadcaster interface {
	BroadcastTx(tx *types.Transaction) (hash string, broadcasted bool, err error)
}

// Backend is what an EthClient talks to. Reader and Broadcaster serve the
// single calls; RPC serves batched balance reads, which jarvis does not do.
type Backend struct {
	RPC         *rpc.Client
	Reader      NodeReader
	Broadcaster NodeBroadcaster
}

// LookupNetwork resolves a jarvis network by name or alternative name.
func LookupNetwork(name string) (networks.Network, error) {
	network, err := networks.GetNetwork(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported network %q: %w", name, err)
	}
	return network, nil
}

// NodeURL returns url, or the network's first default node when url is empty.
func NodeURL(network networks.Network, url string) (string, error) {
	if url != "" {
		return url, nil
	}
	nodes := network.GetDefaultNodes()
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("network %s has no default node", network.GetName())
	}
	sort.Strings(names)
	return nodes[names[0]], nil
}

// DialEthClient builds the jarvis reader and broadcaster for network and
// dials url for batched calls. url must serve the same chain.
func DialEthClient(ctx context.Context, network networks.Network, url string, signer Signer, opts ...EthClientOption) (*EthClient, error) {
	r, err := util.EthReader(network)
	if err != nil {
		return nil, fmt.Errorf("couldn't init reader for network %s: %w", network.GetName(), err)
	}
	b, err := util.EthBroadcaster(network)
	if err != nil {
		return nil, fmt.Errorf("couldn't init broadcaster for network %s: %w", network.GetName(), err)
	}

	url, err = NodeURL(network, url)
	if err != nil {
		return nil, err
	}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("couldn't dial %s: %w", url, err)
	}
	if err := checkChainID(ctx, rc, network); err != nil {
		rc.Close()
		return nil, err
	}

	backend := Backend{RPC: rc, Reader: r, Broadcaster: b}
	return NewEthClient(backend, new(big.Int).SetUint64(network.GetChainID()), signer, opts...), nil
}

func checkChainID(ctx context.Context, rc *rpc.Client, network networks.Network) error {
	var id hexutil.Big
	if err := rc.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return fmt.Errorf("couldn't get chain id: %w", err)
	}
	if got := id.ToInt(); !got.IsUint64() || got.Uint64() != network.GetChainID() {
		return fmt.Errorf("node serves chain %s, network %s is chain %d",
			got, network.GetName(), network.GetChainID())
	}
	return nil
}

// rawFromTxInfo converts what jarvis reports for a hash. A transaction
// without a body was not found.
func rawFromTxInfo(info jarviscommon.TxInfo, chainID *big.Int) (*RawTransaction, error) {
	if info.Status == txStatusNotFound || info.Tx == nil || info.Tx.Transaction == nil {
		return nil, ErrTxNotFound
	}
	tx := info.Tx.Transaction

	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("couldn't recover sender of %s: %w", tx.Hash().Hex(), err)
	}

	return &RawTransaction{
		Hash:     tx.Hash(),
		From:     from,
		To:       tx.To(),
		Value:    tx.Value(),
		Input:    tx.Data(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Nonce:    tx.Nonce(),
		Pending:  info.Status == txStatusPending,
	}, nil
}

// gwei converts a wei amount to the float gwei jarvis builds transactions from.
func gwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

func weiFromGwei(g float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(g), big.NewFloat(1e9)).Int(nil)
	return wei
}
