package singlekey_test

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/ark-network/escrowd/internal/infrastructure/signer/singlekey"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

func TestSignRequest(t *testing.T) {
	ctx := context.Background()

	s, err := singlekey.NewSigner("")
	require.NoError(t, err)
	pubkey, err := s.GetPubkey(ctx)
	require.NoError(t, err)
	require.Len(t, pubkey, 64)

	req := &ports.UnlockingRequest{
		OutputId:    "txid:0",
		Destination: []byte{0x51, 0x20},
		Witness: []ports.WitnessComponent{
			{SignBy: pubkey},
			{Data: []byte{0x01, 0, 0, 0, 0, 0, 0, 0}},
		},
	}
	require.NoError(t, s.SignRequest(ctx, req))
	require.Empty(t, req.Witness[0].SignBy)
	require.Len(t, req.Witness[0].Data, schnorr.SignatureSize)

	sig, err := schnorr.ParseSignature(req.Witness[0].Data)
	require.NoError(t, err)
	keyBytes, err := hex.DecodeString(pubkey)
	require.NoError(t, err)
	key, err := schnorr.ParsePubKey(keyBytes)
	require.NoError(t, err)
	sighash := req.Sighash()
	require.True(t, sig.Verify(sighash[:], key))

	t.Run("foreign key", func(t *testing.T) {
		other, err := singlekey.NewSigner("")
		require.NoError(t, err)
		otherKey, err := other.GetPubkey(ctx)
		require.NoError(t, err)

		req := &ports.UnlockingRequest{
			Witness: []ports.WitnessComponent{{SignBy: otherKey}},
		}
		require.Error(t, s.SignRequest(ctx, req))
	})

	t.Run("from private key", func(t *testing.T) {
		privkey := "0000000000000000000000000000000000000000000000000000000000000001"
		s, err := singlekey.NewSigner(privkey)
		require.NoError(t, err)
		pubkey, err := s.GetPubkey(ctx)
		require.NoError(t, err)
		require.Equal(t, "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", pubkey)

		_, err = singlekey.NewSigner("abcd")
		require.Error(t, err)
	})
}
