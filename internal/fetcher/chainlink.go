package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/market"
)

const (
	chainlinkName = "chainlink"

	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// contractCaller is the subset of ethclient used here.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain price feed provider.
type ChainlinkOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Feeds maps registry symbols to AggregatorV3 proxy addresses.
	Feeds map[string]string
	// MaxAge rejects rounds older than this when positive.
	MaxAge time.Duration
}

// Chainlink reads the latest answer of Chainlink price feeds over Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    contractCaller
	clientMux sync.Mutex
	decimals  map[common.Address]int32
	now       func() time.Time
}

// NewChainlink builds the provider. The RPC connection is dialled lazily.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_provider").Logger(),
		decimals: make(map[common.Address]int32),
		now:      time.Now,
	}
}

func (c *Chainlink) Name() string { return chainlinkName }

func (c *Chainlink) Supports(symbol string) bool {
	addr, ok := c.opts.Feeds[symbol]
	return ok && common.IsHexAddress(addr)
}

// Fetch reads each feed in turn. Feeds are few and the RPC is shared, so
// calls are sequential.
func (c *Chainlink) Fetch(ctx context.Context, symbols []string) ([]market.PriceResult, error) {
	if c.opts.RPCURL == "" && c.caller == nil {
		return nil, errors.New("ethereum rpc url not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]market.PriceResult, 0, len(symbols))
	failed := 0
	var last error
	for _, sym := range symbols {
		addr, ok := c.opts.Feeds[sym]
		if !ok || !common.IsHexAddress(addr) {
			results = append(results, market.Unavailable(sym, chainlinkName, "symbol not mapped"))
			continue
		}
		price, err := c.readFeed(ctx, caller, common.HexToAddress(addr))
		if err != nil {
			failed++
			last = err
			c.logger.Debug().Err(err).Str("symbol", sym).Msg("feed read failed")
			results = append(results, market.Unavailable(sym, chainlinkName, err.Error()))
			continue
		}
		results = append(results, market.Available(sym, chainlinkName, price))
	}
	if failed > 0 && failed == len(symbols) {
		return nil, last
	}
	return results, nil
}

func (c *Chainlink) readFeed(ctx context.Context, caller contractCaller, addr common.Address) (decimal.Decimal, error) {
	places, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := c.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("feed %s returned non-positive answer", addr.Hex())
	}
	if c.opts.MaxAge > 0 {
		age := c.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > c.opts.MaxAge {
			return decimal.Decimal{}, fmt.Errorf("feed %s stale by %s", addr.Hex(), age.Truncate(time.Second))
		}
	}

	return decimal.NewFromBigInt(answer, -places), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, caller contractCaller, addr common.Address) (int32, error) {
	c.clientMux.Lock()
	places, ok := c.decimals[addr]
	c.clientMux.Unlock()
	if ok {
		return places, nil
	}

	outputs, err := c.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals[addr] = int32(d)
	c.clientMux.Unlock()
	return int32(d), nil
}

func (c *Chainlink) call(ctx context.Context, caller contractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, addr.Hex(), err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Chainlink) getCaller(ctx context.Context) (contractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ Provider = (*Chainlink)(nil)
