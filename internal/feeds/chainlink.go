package feeds

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
	"github.com/sony/gobreaker"

	"crash-guardian/internal/config"
	"crash-guardian/internal/market"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// caller is the slice of ethclient the peg monitor uses.
type caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// PegReading is one oracle answer.
type PegReading struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
	Round     *big.Int
}

// PegMonitor polls a Chainlink USD aggregator for a stable asset and reports how far its
// price sits from 1.00 as a peg_deviation signal.
type PegMonitor struct {
	cfg     config.PegConfig
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu       sync.Mutex
	client   caller
	decimals int32
}

// NewPegMonitor builds the monitor. The RPC connection is opened lazily.
func NewPegMonitor(cfg config.PegConfig, sink Sink, logger zerolog.Logger) *PegMonitor {
	log := logger.With().Str("component", "peg_monitor").Str("asset", cfg.Asset).Logger()
	settings := gobreaker.Settings{
		Name:        "chainlink_peg",
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("rpc circuit breaker changed state")
		},
	}
	return &PegMonitor{
		cfg:      cfg,
		sink:     sink,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   log,
		decimals: -1,
	}
}

func (p *PegMonitor) Name() string { return "chainlink_peg" }

// Run polls until ctx ends. Poll failures are logged; the guardian treats the missing
// signal as stale rather than calm.
func (p *PegMonitor) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errSinkClosed) {
				return err
			}
			p.logger.Warn().Err(err).Msg("peg poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var errSinkClosed = errors.New("feeds: sink rejected signal")

func (p *PegMonitor) poll(ctx context.Context) error {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.Fetch(ctx)
	})
	if err != nil {
		return err
	}
	reading := out.(PegReading)
	sig := market.ConfirmationSignal{
		Kind:   market.SignalPegDeviation,
		Scope:  market.GlobalScope,
		Value:  PegDeviation(reading.Price),
		At:     reading.UpdatedAt,
		Source: "chainlink:" + strings.ToLower(p.cfg.Asset),
	}
	if err := p.sink.SubmitSignal(ctx, sig); err != nil {
		return fmt.Errorf("%w: %v", errSinkClosed, err)
	}
	p.logger.Debug().Str("price", reading.Price.String()).Str("deviation_pct", sig.Value.StringFixed(4)).Msg("peg reading")
	return nil
}

// Fetch reads the latest round.
func (p *PegMonitor) Fetch(ctx context.Context) (PegReading, error) {
	if p.cfg.RPCURL == "" {
		return PegReading{}, errors.New("ethereum rpc url not configured")
	}
	if p.cfg.FeedAddress == "" {
		return PegReading{}, errors.New("aggregator address not configured")
	}

	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return PegReading{}, err
	}
	addr := common.HexToAddress(p.cfg.FeedAddress)

	dec, err := p.getDecimals(ctx, client, addr)
	if err != nil {
		return PegReading{}, err
	}

	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return PegReading{}, err
	}
	if len(outputs) != 5 {
		return PegReading{}, errors.New("unexpected latestRoundData response")
	}
	round, _ := outputs[0].(*big.Int)
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return PegReading{}, errors.New("failed to decode latestRoundData answer")
	}
	updated, ok := outputs[3].(*big.Int)
	if !ok {
		return PegReading{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return PegReading{}, fmt.Errorf("aggregator returned non-positive answer %s", answer)
	}
	return PegReading{
		Price:     decimal.NewFromBigInt(answer, -dec),
		UpdatedAt: time.Unix(updated.Int64(), 0).UTC(),
		Round:     round,
	}, nil
}

// PegDeviation is |price - 1| in percent.
func PegDeviation(price decimal.Decimal) decimal.Decimal {
	return price.Sub(decimal.NewFromInt(1)).Abs().Mul(decimal.NewFromInt(100))
}

func call(ctx context.Context, client caller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}

func (p *PegMonitor) getDecimals(ctx context.Context, client caller, addr common.Address) (int32, error) {
	p.mu.Lock()
	dec := p.decimals
	p.mu.Unlock()
	if dec >= 0 {
		return dec, nil
	}
	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	v, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	p.mu.Lock()
	p.decimals = int32(v)
	p.mu.Unlock()
	return int32(v), nil
}

func (p *PegMonitor) getClient(ctx context.Context) (caller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := ethclient.DialContext(ctx, p.cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}
