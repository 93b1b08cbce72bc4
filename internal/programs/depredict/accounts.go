package depredict

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	MarketCreatorDiscriminator = accountDiscriminator("MarketCreator")
	MarketDiscriminator        = accountDiscriminator("MarketState")
	ConfigDiscriminator        = accountDiscriminator("Config")
)

// MarketCreatorMarketOffset locates Market.MarketCreator for memcmp filters.
const MarketCreatorMarketOffset = 8

// MarketCreator is the authority account owned by one operator wallet.
type MarketCreator struct {
	Discriminator  [8]byte
	Authority      solana.PublicKey
	Name           string
	FeeVault       solana.PublicKey
	CreatorFeeBps  uint16
	CoreCollection solana.PublicKey
	MerkleTree     solana.PublicKey
	Verified       bool
	NumMarkets     uint64
	ActiveMarkets  uint32
	Bump           uint8
}

// HasCollection reports whether a collection reference is set.
func (m *MarketCreator) HasCollection() bool {
	return m.CoreCollection != (solana.PublicKey{})
}

func (m *MarketCreator) HasTree() bool {
	return m.MerkleTree != (solana.PublicKey{})
}

func (m *MarketCreator) FeePercent() float64 {
	return BpsToPercent(m.CreatorFeeBps)
}

type OracleType uint8

const (
	OracleNone OracleType = iota
	OracleSwitchboard
)

func (o OracleType) String() string {
	if o == OracleSwitchboard {
		return "switchboard"
	}
	return "none"
}

type MarketType uint8

const (
	MarketLive MarketType = iota
	MarketFuture
)

func (m MarketType) String() string {
	if m == MarketFuture {
		return "future"
	}
	return "live"
}

type MarketState uint8

const (
	StatePending MarketState = iota
	StateResolving
	StateResolved
)

func (s MarketState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	default:
		return "pending"
	}
}

type WinningDirection uint8

const (
	DirectionNone WinningDirection = iota
	DirectionYes
	DirectionNo
	DirectionDraw
)

func (d WinningDirection) String() string {
	switch d {
	case DirectionYes:
		return "yes"
	case DirectionNo:
		return "no"
	case DirectionDraw:
		return "draw"
	default:
		return "none"
	}
}

// Market is one prediction market created under a MarketCreator.
type Market struct {
	Discriminator    [8]byte
	MarketCreator    solana.PublicKey
	Bump             uint8
	MarketID         uint64
	Authority        solana.PublicKey
	Question         string
	MetadataURI      string
	OracleType       OracleType
	OraclePubkey     solana.PublicKey
	MintAddress      solana.PublicKey
	MarketType       MarketType
	MarketState      MarketState
	StartTime        int64
	EndTime          int64
	BettingStartTime int64
	WinningDirection WinningDirection
	YesLiquidity     uint64
	NoLiquidity      uint64
	Volume           uint64
}

// ManualResolution reports whether only the creator can resolve m.
func (m *Market) ManualResolution() bool {
	return m.OraclePubkey.Equals(ManualOracle)
}

// Config is the program-wide singleton carrying the market id counter.
type Config struct {
	Discriminator [8]byte
	Bump          uint8
	Authority     solana.PublicKey
	FeeVault      solana.PublicKey
	FeeAmountBps  uint16
	NextMarketID  uint64
	NumMarkets    uint64
}

func DecodeMarketCreator(data []byte) (*MarketCreator, error) {
	var out MarketCreator
	if err := decode(data, MarketCreatorDiscriminator, &out); err != nil {
		return nil, fmt.Errorf("decode market creator: %w", err)
	}
	return &out, nil
}

func DecodeMarket(data []byte) (*Market, error) {
	var out Market
	if err := decode(data, MarketDiscriminator, &out); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	return &out, nil
}

func DecodeConfig(data []byte) (*Config, error) {
	var out Config
	if err := decode(data, ConfigDiscriminator, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &out, nil
}

// Encode serializes the account with its discriminator.
func (m *MarketCreator) Encode() ([]byte, error) {
	m.Discriminator = MarketCreatorDiscriminator
	return encode(m)
}

func (m *Market) Encode() ([]byte, error) {
	m.Discriminator = MarketDiscriminator
	return encode(m)
}

func (c *Config) Encode() ([]byte, error) {
	c.Discriminator = ConfigDiscriminator
	return encode(c)
}

func decode(data []byte, want [8]byte, out any) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: short account data (%d bytes)", ErrDiscriminator, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return ErrDiscriminator
	}
	return bin.NewBorshDecoder(data).Decode(out)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
