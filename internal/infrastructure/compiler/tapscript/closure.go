package tapscript

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/vulpemventures/go-elements/taproot"
)

const (
	OP_INSPECTOUTPUTSCRIPTPUBKEY = 0xd1
)

// 0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0
var unspendablePoint = []byte{
	0x02, 0x50, 0x92, 0x9b, 0x74, 0xc1, 0xa0, 0x49, 0x54, 0xb7, 0x8b, 0x4b, 0x60, 0x35, 0xe9, 0x7a,
	0x5e, 0x07, 0x8a, 0x5a, 0x0f, 0x28, 0xec, 0x96, 0xd5, 0x47, 0xbf, 0xee, 0x9a, 0xce, 0x80, 0x3a, 0xc0,
}

func unspendableKey() *secp256k1.PublicKey {
	key, _ := secp256k1.ParsePubKey(unspendablePoint)
	return key
}

// closure is one spending path of an escrow, compiled to a tapscript leaf.
type closure interface {
	Leaf() (*taproot.TapElementsLeaf, error)
}

// fulfillClosure pays the destination against the preimage of Hash. The
// deadline is not part of the script, it is enforced through the unlocking
// transaction's max time.
type fulfillClosure struct {
	Hash               []byte
	DestinationProgram []byte
}

// rejectClosure returns the funds to the source with the destination's
// signature.
type rejectClosure struct {
	DestinationKey *secp256k1.PublicKey
	SourceProgram  []byte
}

// timeoutClosure returns the funds to the source after ExpiresAt. With a
// SourceKey, the source must sign. ExpiresAt is committed in milliseconds,
// the precision the ledger checks time bounds with.
type timeoutClosure struct {
	ExpiresAt     time.Time
	SourceKey     *secp256k1.PublicKey
	SourceProgram []byte
}

func (c *fulfillClosure) Leaf() (*taproot.TapElementsLeaf, error) {
	introspection, err := outputScriptIntrospection(0, c.DestinationProgram)
	if err != nil {
		return nil, err
	}

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).AddData(c.Hash).AddOp(txscript.OP_EQUALVERIFY).
		Script()
	if err != nil {
		return nil, err
	}

	tapLeaf := taproot.NewBaseTapElementsLeaf(append(script, introspection...))
	return &tapLeaf, nil
}

func (c *rejectClosure) Leaf() (*taproot.TapElementsLeaf, error) {
	introspection, err := outputScriptIntrospection(0, c.SourceProgram)
	if err != nil {
		return nil, err
	}

	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(c.DestinationKey)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		Script()
	if err != nil {
		return nil, err
	}

	tapLeaf := taproot.NewBaseTapElementsLeaf(append(script, introspection...))
	return &tapLeaf, nil
}

func (c *timeoutClosure) Leaf() (*taproot.TapElementsLeaf, error) {
	builder := txscript.NewScriptBuilder().
		AddInt64(c.ExpiresAt.UnixMilli()).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP)
	if c.SourceKey != nil {
		builder.AddData(schnorr.SerializePubKey(c.SourceKey)).
			AddOp(txscript.OP_CHECKSIGVERIFY)
	}
	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	introspection, err := outputScriptIntrospection(0, c.SourceProgram)
	if err != nil {
		return nil, err
	}

	tapLeaf := taproot.NewBaseTapElementsLeaf(append(script, introspection...))
	return &tapLeaf, nil
}

// outputScriptIntrospection checks that the output at index pays to the
// given segwit v1 program.
func outputScriptIntrospection(index byte, program []byte) ([]byte, error) {
	witnessProgram, err := taprootWitnessProgram(program)
	if err != nil {
		return nil, err
	}

	script := []byte{
		index,
		OP_INSPECTOUTPUTSCRIPTPUBKEY,
		txscript.OP_1,
		txscript.OP_EQUALVERIFY,
		txscript.OP_DATA_32,
	}
	script = append(script, witnessProgram...)
	script = append(script, txscript.OP_EQUAL)
	return script, nil
}

func taprootWitnessProgram(program []byte) ([]byte, error) {
	if len(program) != 34 || program[0] != txscript.OP_1 || program[1] != txscript.OP_DATA_32 {
		return nil, fmt.Errorf("program %x is not a segwit v1 program", program)
	}
	return program[2:], nil
}

func parseKey(pubkey string) (*secp256k1.PublicKey, error) {
	buf, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key format: %s", err)
	}
	key, err := schnorr.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %s", err)
	}
	return key, nil
}
