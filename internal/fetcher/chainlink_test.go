package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainlinkMissingConfig(t *testing.T) {
	cl := NewChainlink(ChainlinkOptions{}, noopLogger())
	_, err := cl.FetchLatest(context.Background(), aapl)
	assert.True(t, IsKind(err, KindUnconfigured), "missing RPC URL")

	cl = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost"}, noopLogger())
	assert.False(t, cl.IsConfigured())
	_, err = cl.FetchLatest(context.Background(), aapl)
	assert.True(t, IsKind(err, KindEmptyResult), "no feed for instrument")
}

// fakeAggregator answers aggregator calls from an in-memory round list.
type fakeAggregator struct {
	decimals uint8
	rounds   map[int64]fakeRound
	latest   int64
}

type fakeRound struct {
	answer    int64
	updatedAt time.Time
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := aggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	case "latestRoundData":
		return f.pack(method.Outputs.Pack, f.latest)
	case "getRoundData":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return f.pack(method.Outputs.Pack, args[0].(*big.Int).Int64())
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeAggregator) pack(pack func(...interface{}) ([]byte, error), id int64) ([]byte, error) {
	r, ok := f.rounds[id]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	ts := big.NewInt(r.updatedAt.Unix())
	return pack(big.NewInt(id), big.NewInt(r.answer), ts, ts, big.NewInt(id))
}

func newFakeChainlink(agg *fakeAggregator) *Chainlink {
	cl := NewChainlink(ChainlinkOptions{
		RPCURL: "http://localhost:8545",
		Feeds:  map[string]string{"eth-usd": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"},
	}, noopLogger())
	cl.caller = agg
	return cl
}

func TestChainlinkFetchLatest(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{decimals: 8, latest: 10, rounds: map[int64]fakeRound{
		10: {answer: 350012345678, updatedAt: now},
	}}
	cl := newFakeChainlink(agg)

	point, err := cl.FetchLatest(context.Background(), ethusd)
	require.NoError(t, err)
	assert.Equal(t, "3500.12345678", point.Close.String())
	assert.True(t, point.Timestamp.Equal(now))
	assert.Equal(t, ChainlinkName, point.Source)
}

func TestChainlinkFetchHistoricalAggregatesRoundsPerDay(t *testing.T) {
	day1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	agg := &fakeAggregator{decimals: 2, latest: 6, rounds: map[int64]fakeRound{
		1: {answer: 90000, updatedAt: day1.AddDate(0, 0, -30)},
		2: {answer: 100000, updatedAt: day1.Add(1 * time.Hour)},
		3: {answer: 105000, updatedAt: day1.Add(6 * time.Hour)},
		4: {answer: 99000, updatedAt: day1.Add(20 * time.Hour)},
		5: {answer: 101000, updatedAt: day2.Add(2 * time.Hour)},
		6: {answer: 102500, updatedAt: day2.Add(9 * time.Hour)},
	}}
	cl := newFakeChainlink(agg)

	points, err := cl.FetchHistorical(context.Background(), ethusd, 3)
	require.NoError(t, err)
	require.Len(t, points, 2, "round older than the window is not visited")

	assert.True(t, points[0].Timestamp.Equal(day1))
	assert.Equal(t, "1000", points[0].Open.String())
	assert.Equal(t, "1050", points[0].High.String())
	assert.Equal(t, "990", points[0].Low.String())
	assert.Equal(t, "990", points[0].Close.String())

	assert.True(t, points[1].Timestamp.Equal(day2))
	assert.Equal(t, "1010", points[1].Open.String())
	assert.Equal(t, "1025", points[1].Close.String())
}

func TestChainlinkStopsAtMissingRound(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{decimals: 0, latest: 100, rounds: map[int64]fakeRound{
		100: {answer: 7, updatedAt: now},
		99:  {answer: 6, updatedAt: now.Add(-time.Hour)},
	}}
	cl := newFakeChainlink(agg)

	points, err := cl.FetchHistorical(context.Background(), ethusd, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "6", points[0].Open.String())
	assert.Equal(t, "7", points[0].Close.String())
}
