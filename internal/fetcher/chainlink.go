package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
)

// ChainlinkName is the provider key used in logs and the rate-limit table.
const ChainlinkName = "chainlink"

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// contractCaller is the slice of ethclient.Client the feed reader needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain price feed reader.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps instrument IDs to aggregator contract addresses.
	Feeds     map[string]string
	Timeout   time.Duration
	MaxRounds int
}

// Chainlink reads Chainlink aggregator feeds over Ethereum RPC. Daily bars are rebuilt from rounds.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    contractCaller
	clientMux sync.Mutex
}

// NewChainlink builds a feed reader.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 500
	}
	feeds := make(map[string]string, len(opts.Feeds))
	for k, v := range opts.Feeds {
		feeds[market.NormalizeTicker(k)] = v
	}
	opts.Feeds = feeds
	return &Chainlink{opts: opts, logger: logger.With().Str("component", "chainlink_fetcher").Logger()}
}

func (c *Chainlink) Name() string { return ChainlinkName }

func (c *Chainlink) IsConfigured() bool {
	return c.opts.RPCURL != "" && len(c.opts.Feeds) > 0
}

type feedRound struct {
	ID        *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// FetchLatest returns the latest round answer as a flat bar.
func (c *Chainlink) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	ctx, cancel, caller, feed, err := c.prepare(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer cancel()

	decimals, err := c.decimals(ctx, caller, feed)
	if err != nil {
		return nil, err
	}
	round, err := c.round(ctx, caller, feed, nil)
	if err != nil {
		return nil, err
	}

	price := decimal.NewFromBigInt(round.Answer, -int32(decimals))
	return &market.PricePoint{
		InstrumentID: inst.ID,
		Timestamp:    round.UpdatedAt,
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Source:       ChainlinkName,
	}, nil
}

// FetchHistorical walks rounds backwards until windowDays is covered and aggregates them per UTC day.
func (c *Chainlink) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	ctx, cancel, caller, feed, err := c.prepare(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer cancel()

	decimals, err := c.decimals(ctx, caller, feed)
	if err != nil {
		return nil, err
	}
	latest, err := c.round(ctx, caller, feed, nil)
	if err != nil {
		return nil, err
	}

	if windowDays <= 0 {
		windowDays = 1
	}
	cutoff := latest.UpdatedAt.AddDate(0, 0, -windowDays)

	rounds := []feedRound{latest}
	id := new(big.Int).Set(latest.ID)
	one := big.NewInt(1)
	for len(rounds) < c.opts.MaxRounds {
		id.Sub(id, one)
		if id.Sign() <= 0 {
			break
		}
		r, err := c.round(ctx, caller, feed, new(big.Int).Set(id))
		if err != nil {
			// Round IDs are not contiguous across aggregator phases.
			c.logger.Debug().Err(err).Str("instrument", inst.ID).Msg("stopping round walk")
			break
		}
		if r.UpdatedAt.Before(cutoff) {
			break
		}
		rounds = append(rounds, r)
	}

	return aggregateDaily(inst.ID, rounds, int32(decimals)), nil
}

func (c *Chainlink) prepare(ctx context.Context, inst market.Instrument) (context.Context, context.CancelFunc, contractCaller, common.Address, error) {
	if c.opts.RPCURL == "" {
		return nil, nil, nil, common.Address{}, unconfigured(ChainlinkName)
	}
	feedHex, ok := c.opts.Feeds[inst.ID]
	if !ok || feedHex == "" {
		return nil, nil, nil, common.Address{}, emptyResult(ChainlinkName, inst.ID)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	caller, err := c.getCaller(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, common.Address{}, transportError(ChainlinkName, err)
	}
	return ctx, cancel, caller, common.HexToAddress(feedHex), nil
}

func (c *Chainlink) decimals(ctx context.Context, caller contractCaller, feed common.Address) (uint8, error) {
	outputs, err := c.call(ctx, caller, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, upstreamMessage(ChainlinkName, "unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, upstreamMessage(ChainlinkName, "failed to decode decimals output")
	}
	return d, nil
}

func (c *Chainlink) round(ctx context.Context, caller contractCaller, feed common.Address, id *big.Int) (feedRound, error) {
	var (
		outputs []interface{}
		err     error
	)
	if id == nil {
		outputs, err = c.call(ctx, caller, feed, "latestRoundData")
	} else {
		outputs, err = c.call(ctx, caller, feed, "getRoundData", id)
	}
	if err != nil {
		return feedRound{}, err
	}
	if len(outputs) != 5 {
		return feedRound{}, upstreamMessage(ChainlinkName, "unexpected round response")
	}

	roundID, ok1 := outputs[0].(*big.Int)
	answer, ok2 := outputs[1].(*big.Int)
	updatedAt, ok3 := outputs[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return feedRound{}, upstreamMessage(ChainlinkName, "failed to decode round output")
	}
	if answer.Sign() <= 0 || updatedAt.Sign() == 0 {
		return feedRound{}, upstreamMessage(ChainlinkName, "round has no answer")
	}

	return feedRound{ID: roundID, Answer: answer, UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC()}, nil
}

func (c *Chainlink) call(ctx context.Context, caller contractCaller, feed common.Address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, transportError(ChainlinkName, err)
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, parseError(ChainlinkName, err)
	}
	return outputs, nil
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

func aggregateDaily(instrumentID string, rounds []feedRound, decimals int32) []market.PricePoint {
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].UpdatedAt.Before(rounds[j].UpdatedAt) })

	var points []market.PricePoint
	for _, r := range rounds {
		day := r.UpdatedAt.Truncate(24 * time.Hour)
		price := decimal.NewFromBigInt(r.Answer, -decimals)

		if n := len(points); n > 0 && points[n-1].Timestamp.Equal(day) {
			last := &points[n-1]
			if price.GreaterThan(last.High) {
				last.High = price
			}
			if price.LessThan(last.Low) {
				last.Low = price
			}
			last.Close = price
			continue
		}
		points = append(points, market.PricePoint{
			InstrumentID: instrumentID,
			Timestamp:    day,
			Open:         price,
			High:         price,
			Low:          price,
			Close:        price,
			Source:       ChainlinkName,
		})
	}
	return points
}

var _ DataSource = (*Chainlink)(nil)
