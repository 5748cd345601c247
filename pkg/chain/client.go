package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var ErrUnknownChain = errors.New("no rpc endpoint configured for chain")

// Caller is the subset of ethclient.Client used for view calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client routes read-only contract calls to the node configured for each chain id.
type Client struct {
	callers map[int64]Caller
	closers []func()
}

func NewClient(callers map[int64]Caller) *Client {
	c := &Client{callers: make(map[int64]Caller, len(callers))}
	for id, caller := range callers {
		c.callers[id] = caller
	}
	return c
}

// Dial opens one ethclient per configured chain. A node that reports a chain id
// different from the one it is configured under is a configuration error; a
// node that cannot be reached yet is only logged, reads against it will fail
// field by field until it comes back.
func Dial(ctx context.Context, rpcURLs map[int64]string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{callers: make(map[int64]Caller, len(rpcURLs))}
	for chainID, url := range rpcURLs {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
		}
		c.callers[chainID] = ec
		c.closers = append(c.closers, ec.Close)

		reported, err := ec.ChainID(ctx)
		if err != nil {
			log.Warn("Chain RPC not reachable at startup", zap.Int64("chain_id", chainID), zap.Error(err))
			continue
		}
		if !reported.IsInt64() || reported.Int64() != chainID {
			c.Close()
			return nil, fmt.Errorf("rpc endpoint for chain %d reports chain id %s", chainID, reported)
		}
		log.Info("Connected chain RPC", zap.Int64("chain_id", chainID))
	}
	return c, nil
}

// Read performs a zero-argument eth_call of method against address at the
// latest block and returns the unpacked outputs. It is issued exactly once.
func (c *Client) Read(ctx context.Context, chainID int64, address common.Address, contractABI *abi.ABI, method string) ([]any, error) {
	caller, ok := c.callers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	input, err := contractABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Chains returns the configured chain ids in ascending order.
func (c *Client) Chains() []int64 {
	out := make([]int64, 0, len(c.callers))
	for id := range c.callers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
	c.closers = nil
}
