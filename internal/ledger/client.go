package ledger

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

	"relayguard/internal/stake"
	"relayguard/internal/treasury"
)

const erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

var (
	// ErrNotConfigured is returned when no RPC endpoint is set.
	ErrNotConfigured = errors.New("ledger: rpc url not configured")
	// ErrInvalidIdentity is returned for malformed account identifiers.
	ErrInvalidIdentity = errors.New("ledger: invalid account identifier")
)

// Options parameterise the ledger client.
type Options struct {
	RPCURL string
	// CollateralToken is the ERC-20 contract whose balance counts as stake.
	CollateralToken string
	// CollateralDecimals overrides the token's decimals(); zero queries the
	// contract once.
	CollateralDecimals int
	NativeDecimals     int
	Timeout            time.Duration
}

// Client reads balances from an Ethereum-compatible ledger.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   int32
}

// New builds a ledger client. The RPC connection is dialled on first use.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.NativeDecimals <= 0 {
		opts.NativeDecimals = 18
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "ledger").Logger(),
		decimals: int32(opts.CollateralDecimals),
	}
}

// ValidateIdentity reports whether identity is a well-formed account address.
func ValidateIdentity(identity string) error {
	if !common.IsHexAddress(strings.TrimSpace(identity)) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}

// AccountBalance returns the native balance of address in major units.
func (c *Client) AccountBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateIdentity(address); err != nil {
		return decimal.Decimal{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	wei, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("balance of %s: %w", address, err)
	}
	return decimal.NewFromBigInt(wei, -int32(c.opts.NativeDecimals)), nil
}

// CollateralBalance returns the collateral token balance held by holder.
func (c *Client) CollateralBalance(ctx context.Context, holder string) (decimal.Decimal, error) {
	if c.opts.CollateralToken == "" {
		return decimal.Decimal{}, errors.New("collateral token address not configured")
	}
	if err := ValidateIdentity(holder); err != nil {
		return decimal.Decimal{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	token := common.HexToAddress(c.opts.CollateralToken)
	exp, err := c.tokenDecimals(ctx, client, token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	out, err := c.call(ctx, client, token, "balanceOf", common.HexToAddress(holder))
	if err != nil {
		return decimal.Decimal{}, err
	}
	amount, ok := out.(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}
	return decimal.NewFromBigInt(amount, -exp), nil
}

func (c *Client) tokenDecimals(ctx context.Context, client *ethclient.Client, token common.Address) (int32, error) {
	c.decimalsMu.Lock()
	defer c.decimalsMu.Unlock()

	if c.decimals > 0 {
		return c.decimals, nil
	}

	out, err := c.call(ctx, client, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out.(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	c.decimals = int32(d)
	c.logger.Debug().Str("token", token.Hex()).Int32("decimals", c.decimals).Msg("collateral decimals resolved")
	return c.decimals, nil
}

func (c *Client) call(ctx context.Context, client *ethclient.Client, to common.Address, method string, args ...interface{}) (interface{}, error) {
	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs[0], nil
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	if c.opts.RPCURL == "" {
		return nil, ErrNotConfigured
	}

	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var (
	_ treasury.BalanceSource = (*Client)(nil)
	_ stake.CollateralSource = (*Client)(nil)
)
