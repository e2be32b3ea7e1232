package singlekey

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

type signer struct {
	key    *btcec.PrivateKey
	pubkey string
}

// NewSigner loads the given hex private key, or generates a fresh one if
// empty.
func NewSigner(privkey string) (ports.Signer, error) {
	var key *btcec.PrivateKey
	if len(privkey) > 0 {
		buf, err := hex.DecodeString(privkey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key format: %s", err)
		}
		if len(buf) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("invalid private key length %d", len(buf))
		}
		key, _ = btcec.PrivKeyFromBytes(buf)
	} else {
		k, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %s", err)
		}
		key = k
	}

	return &signer{
		key:    key,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(key.PubKey())),
	}, nil
}

func (s *signer) GetPubkey(_ context.Context) (string, error) {
	return s.pubkey, nil
}

func (s *signer) SignRequest(_ context.Context, req *ports.UnlockingRequest) error {
	sighash := req.Sighash()
	for i, w := range req.Witness {
		if len(w.SignBy) <= 0 {
			continue
		}
		if w.SignBy != s.pubkey {
			return fmt.Errorf("cannot sign for key %s", w.SignBy)
		}
		sig, err := schnorr.Sign(s.key, sighash[:])
		if err != nil {
			return fmt.Errorf("failed to sign request: %s", err)
		}
		req.Witness[i] = ports.WitnessComponent{Data: sig.Serialize()}
	}
	return nil
}
