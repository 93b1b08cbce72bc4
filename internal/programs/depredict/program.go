// Package depredict encodes instructions and decodes accounts of the
// prediction-market program.
package depredict

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ProgramID = solana.MustPublicKeyFromBase58("deprZ6k7MU6w3REU6hJ2yCfnkbDvzUZaKE4Z4BuZBhU")

	// ManualOracle marks markets resolved by their creator rather than a feed.
	ManualOracle = solana.MustPublicKeyFromBase58("HX5YhqFV88zFhgPxEzmR1GFq8hPccuk2gKW58g1TLvbL")
)

const (
	MarketCreatorSeed = "market_creator"
	MarketSeed        = "market"
	ConfigSeed        = "config"

	// MaxCreatorFeeBps is the on-chain fee ceiling (20%).
	MaxCreatorFeeBps = 2000
	MaxQuestionLen   = 80
)

var (
	ErrFeeOutOfRange = errors.New("depredict: creator fee must be between 0% and 20%")
	ErrInvalidFee    = errors.New("depredict: invalid fee percentage")
	ErrDiscriminator = errors.New("depredict: account discriminator mismatch")
)

// MarketCreatorAddress derives the authority PDA for owner.
func MarketCreatorAddress(owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return MarketCreatorAddressFor(ProgramID, owner)
}

// MarketCreatorAddressFor derives the authority PDA under an explicit program.
func MarketCreatorAddressFor(program solana.PublicKey, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(MarketCreatorSeed), owner.Bytes()}, program)
}

func MarketAddress(marketID uint64) (solana.PublicKey, uint8, error) {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], marketID)
	return solana.FindProgramAddress([][]byte{[]byte(MarketSeed), id[:]}, ProgramID)
}

func ConfigAddress() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(ConfigSeed)}, ProgramID)
}

// PercentToBps converts a fee percentage to basis points, rounding half up,
// and enforces [0, MaxCreatorFeeBps].
func PercentToBps(percent float64) (uint16, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return 0, ErrInvalidFee
	}
	bps := math.Floor(percent*100 + 0.5)
	if bps < 0 || bps > MaxCreatorFeeBps {
		return 0, fmt.Errorf("%w: %v%% is %v bps", ErrFeeOutOfRange, percent, bps)
	}
	return uint16(bps), nil
}

// ParsePercent parses operator input such as "0.5" or "2.5%".
func ParsePercent(raw string) (float64, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidFee)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFee, raw)
	}
	return v, nil
}

func BpsToPercent(bps uint16) float64 {
	return float64(bps) / 100
}

func instructionDiscriminator(name string) [8]byte {
	return anchorDiscriminator("global:" + name)
}

func accountDiscriminator(name string) [8]byte {
	return anchorDiscriminator("account:" + name)
}

func anchorDiscriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
