package inmemoryledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// validateUnlock checks the revealed contract commits to the output and that
// the witness satisfies the selected clause at the current ledger time.
func (l *Ledger) validateUnlock(
	ctx context.Context, out ports.Output, req ports.UnlockingRequest,
) error {
	program, err := l.compiler.Compile(ctx, req.Contract.TemplateId, req.Contract.Params)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidWitness, err)
	}
	if !bytes.Equal(program, out.ControlProgram) {
		return fmt.Errorf("%w: contract does not match output %s", ports.ErrInvalidWitness, out.Id)
	}

	now := l.now()
	if !req.MinTime.IsZero() && now.Before(req.MinTime) {
		return fmt.Errorf("%w: settles not before %s", ports.ErrTimeBounds, req.MinTime)
	}
	if !req.MaxTime.IsZero() && now.After(req.MaxTime) {
		return fmt.Errorf("%w: settles not after %s", ports.ErrTimeBounds, req.MaxTime)
	}

	witness := req.WitnessData()
	sighash := req.Sighash()

	if req.Contract.TemplateId == domain.PayToPubkeyTemplate {
		if len(witness) != 1 {
			return fmt.Errorf("%w: expected a signature", ports.ErrInvalidWitness)
		}
		return verifySignature(witness[0], req.Contract.Params[0].PublicKey, sighash)
	}

	terms, err := domain.EscrowTermsFromParams(req.Contract.TemplateId, req.Contract.Params)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidWitness, err)
	}
	clause, err := domain.ClauseFromWitness(witness)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidWitness, err)
	}

	switch clause {
	case domain.FulfillClause:
		if len(witness) != 2 {
			return fmt.Errorf("%w: fulfill expects a preimage", ports.ErrInvalidWitness)
		}
		hash := sha256.Sum256(witness[0])
		if !bytes.Equal(hash[:], terms.ConditionHash) {
			return fmt.Errorf("%w: preimage does not match hash", ports.ErrInvalidWitness)
		}
		if req.MaxTime.IsZero() || req.MaxTime.After(terms.ExpiresAt) {
			return fmt.Errorf("%w: fulfill must settle before expiration", ports.ErrTimeBounds)
		}
		return checkDestination(req.Destination, terms.Destination.Program)
	case domain.RejectClause:
		if len(witness) != 2 {
			return fmt.Errorf("%w: reject expects a signature", ports.ErrInvalidWitness)
		}
		if err := verifySignature(witness[0], terms.Destination.PubKey, sighash); err != nil {
			return err
		}
		return checkDestination(req.Destination, terms.Source.Program)
	default:
		if req.MinTime.IsZero() || req.MinTime.Before(terms.ExpiresAt) {
			return fmt.Errorf("%w: timeout must settle after expiration", ports.ErrTimeBounds)
		}
		if terms.Variant == domain.TwoKeyEscrow {
			if len(witness) != 2 {
				return fmt.Errorf("%w: timeout expects a source signature", ports.ErrInvalidWitness)
			}
			if err := verifySignature(witness[0], terms.Source.PubKey, sighash); err != nil {
				return err
			}
		} else if len(witness) != 1 {
			return fmt.Errorf("%w: timeout expects the clause selector only", ports.ErrInvalidWitness)
		}
		return checkDestination(req.Destination, terms.Source.Program)
	}
}

func checkDestination(got, expected []byte) error {
	if !bytes.Equal(got, expected) {
		return fmt.Errorf("%w: unexpected destination program", ports.ErrInvalidWitness)
	}
	return nil
}

func verifySignature(sig []byte, pubkey string, sighash chainhash.Hash) error {
	keyBytes, err := hex.DecodeString(pubkey)
	if err != nil {
		return fmt.Errorf("%w: invalid key", ports.ErrInvalidWitness)
	}
	key, err := schnorr.ParsePubKey(keyBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid key", ports.ErrInvalidWitness)
	}
	signature, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: invalid signature", ports.ErrInvalidWitness)
	}
	if !signature.Verify(sighash[:], key) {
		return fmt.Errorf("%w: signature verification failed", ports.ErrInvalidWitness)
	}
	return nil
}
