package tapscript

import (
	"context"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/taproot"
)

type compiler struct{}

func NewCompiler() ports.ContractCompiler {
	return compiler{}
}

func (c compiler) Compile(
	_ context.Context, templateId string, params []domain.ContractParam,
) ([]byte, error) {
	switch templateId {
	case domain.PayToPubkeyTemplate:
		return compilePayToPubkey(params)
	case domain.HashlockTemplate, domain.HashlockTwoKeyTemplate:
		terms, err := domain.EscrowTermsFromParams(templateId, params)
		if err != nil {
			return nil, err
		}
		return compileEscrow(*terms)
	default:
		return nil, fmt.Errorf("unknown contract template %s", templateId)
	}
}

func compilePayToPubkey(params []domain.ContractParam) ([]byte, error) {
	if len(params) != 1 || len(params[0].PublicKey) <= 0 {
		return nil, fmt.Errorf("%s expects a single public key", domain.PayToPubkeyTemplate)
	}
	key, err := parseKey(params[0].PublicKey)
	if err != nil {
		return nil, err
	}
	return txscript.PayToTaprootScript(key)
}

// compileEscrow commits the three clauses to a taproot tree whose internal
// key is unspendable, so the escrow can be spent only through a clause.
func compileEscrow(terms domain.EscrowTerms) ([]byte, error) {
	destinationKey, err := parseKey(terms.Destination.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %s", err)
	}

	timeout := &timeoutClosure{
		ExpiresAt:     terms.ExpiresAt,
		SourceProgram: terms.Source.Program,
	}
	if terms.Variant == domain.TwoKeyEscrow {
		sourceKey, err := parseKey(terms.Source.PubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid source: %s", err)
		}
		timeout.SourceKey = sourceKey
	}

	closures := []closure{
		&fulfillClosure{
			Hash:               terms.ConditionHash,
			DestinationProgram: terms.Destination.Program,
		},
		&rejectClosure{
			DestinationKey: destinationKey,
			SourceProgram:  terms.Source.Program,
		},
		timeout,
	}

	leaves := make([]taproot.TapElementsLeaf, 0, len(closures))
	for _, c := range closures {
		leaf, err := c.Leaf()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, *leaf)
	}

	tapTree := taproot.AssembleTaprootScriptTree(leaves...)
	root := tapTree.RootNode.TapHash()
	taprootKey := taproot.ComputeTaprootOutputKey(unspendableKey(), root[:])

	return txscript.PayToTaprootScript(taprootKey)
}
