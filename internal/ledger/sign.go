package ledger

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// PrepareSignatures sizes tx.Signatures to the required signer count,
// zero-filling unsigned slots so the transaction can be serialized.
func PrepareSignatures(tx *solana.Transaction) {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) == required {
		return
	}
	sigs := make([]solana.Signature, required)
	copy(sigs, tx.Signatures)
	tx.Signatures = sigs
}

// SignPartial fills the signature slots owned by keys and leaves the others
// untouched. It returns how many slots were signed.
func SignPartial(tx *solana.Transaction, keys ...solana.PrivateKey) (int, error) {
	PrepareSignatures(tx)
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	signed := 0
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures) && i < len(tx.Message.AccountKeys); i++ {
		signer := tx.Message.AccountKeys[i]
		for _, key := range keys {
			if !key.PublicKey().Equals(signer) {
				continue
			}
			sig, err := key.Sign(message)
			if err != nil {
				return signed, fmt.Errorf("sign as %s: %w", signer, err)
			}
			tx.Signatures[i] = sig
			signed++
			break
		}
	}
	return signed, nil
}

// MissingSigners lists required signers whose slot is still empty.
func MissingSigners(tx *solana.Transaction) []solana.PublicKey {
	var missing []solana.PublicKey
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures) && i < len(tx.Message.AccountKeys); i++ {
		if i >= len(tx.Signatures) || tx.Signatures[i] == (solana.Signature{}) {
			missing = append(missing, tx.Message.AccountKeys[i])
		}
	}
	return missing
}

// SignatureFromPayload extracts the fee payer signature from serialized
// transaction bytes.
func SignatureFromPayload(payload []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(payload))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode payload: %w", err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
		return solana.Signature{}, ErrNoSignature
	}
	return tx.Signatures[0], nil
}
