// Package mplcore builds Metaplex Core collection instructions and decodes
// collection accounts.
package mplcore

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("CoREENxT6tW1HoK8ypY1SxRMZTcVPm7R94rH4PZNhX7d")

const (
	CreateCollectionV2Discriminator uint8 = 21

	// KeyCollectionV1 is the account-kind tag of a collection.
	KeyCollectionV1 uint8 = 5
)

var (
	ErrNotCollection      = errors.New("mplcore: account is not a collection")
	ErrUnknownInstruction = errors.New("mplcore: unknown instruction")
)

// Collection is the fixed prefix of a CollectionV1 account. Plugin data that
// may follow it is ignored.
type Collection struct {
	Key             uint8
	UpdateAuthority solana.PublicKey
	Name            string
	URI             string
	NumMinted       uint32
	CurrentSize     uint32
}

func DecodeCollection(data []byte) (*Collection, error) {
	if len(data) == 0 || data[0] != KeyCollectionV1 {
		return nil, ErrNotCollection
	}
	var out Collection
	if err := bin.NewBorshDecoder(data).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	return &out, nil
}

func (c *Collection) Encode() ([]byte, error) {
	c.Key = KeyCollectionV1
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CreateCollectionArgs is CreateCollectionV2 without plugins. The two tags
// are the None variants of the plugin and adapter options.
type CreateCollectionArgs struct {
	Discriminator uint8
	Name          string
	URI           string
	PluginsTag    uint8
	AdaptersTag   uint8
}

// NewCreateCollectionV2Instruction creates collection, which must sign, with
// updateAuthority as its update authority.
func NewCreateCollectionV2Instruction(
	collection solana.PublicKey,
	updateAuthority solana.PublicKey,
	payer solana.PublicKey,
	name string,
	uri string,
) (solana.Instruction, error) {
	args := CreateCollectionArgs{
		Discriminator: CreateCollectionV2Discriminator,
		Name:          name,
		URI:           uri,
	}
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode create collection: %w", err)
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(collection, true, true),
		solana.NewAccountMeta(updateAuthority, false, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, buf.Bytes()), nil
}

// DecodeCreateCollection parses CreateCollectionV2 instruction data.
func DecodeCreateCollection(data []byte) (*CreateCollectionArgs, error) {
	if len(data) == 0 || data[0] != CreateCollectionV2Discriminator {
		return nil, ErrUnknownInstruction
	}
	var out CreateCollectionArgs
	if err := bin.NewBorshDecoder(data).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create collection: %w", err)
	}
	return &out, nil
}
