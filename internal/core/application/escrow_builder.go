package application

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
)

// escrowBuilder maps a transfer to the request locking its amount into an
// escrow and an outcome to the request unlocking it. It never submits.
type escrowBuilder struct {
	compiler ports.ContractCompiler
	variant  domain.EscrowVariant
}

func newEscrowBuilder(
	compiler ports.ContractCompiler, variant domain.EscrowVariant,
) *escrowBuilder {
	return &escrowBuilder{compiler, variant}
}

func (b *escrowBuilder) payToPubkey(ctx context.Context, pubkey string) ([]byte, error) {
	program, err := b.compiler.Compile(ctx, domain.PayToPubkeyTemplate, []domain.ContractParam{
		{PublicKey: pubkey},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCompilation, err)
	}
	return program, nil
}

func (b *escrowBuilder) compileTerms(ctx context.Context, terms domain.EscrowTerms) ([]byte, error) {
	program, err := b.compiler.Compile(ctx, terms.Variant.Template(), terms.Params())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCompilation, err)
	}
	return program, nil
}

func (b *escrowBuilder) buildLock(
	ctx context.Context, accountId string, transfer domain.Transfer,
	source, destination domain.Principal,
) (*ports.LockingRequest, *domain.EscrowTerms, error) {
	terms := domain.EscrowTerms{
		Variant:       b.variant,
		Source:        source,
		Destination:   destination,
		ConditionHash: transfer.ExecutionCondition,
		ExpiresAt:     transfer.ExpiresAt,
	}

	program, err := b.compileTerms(ctx, terms)
	if err != nil {
		return nil, nil, err
	}
	referenceData, err := domain.NewEscrowReference(transfer, terms).Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid custom data: %s", domain.ErrInvalidTransfer, err)
	}

	return &ports.LockingRequest{
		AccountId:      accountId,
		AssetId:        transfer.AssetId,
		Amount:         transfer.Amount,
		ControlProgram: program,
		ReferenceData:  referenceData,
	}, &terms, nil
}

// buildFulfill fails before reaching the ledger if the preimage does not
// match the escrow's condition.
func (b *escrowBuilder) buildFulfill(
	escrow domain.EscrowOutput, preimage []byte,
) (*ports.UnlockingRequest, error) {
	if err := escrow.CheckPreimage(preimage); err != nil {
		return nil, err
	}

	terms := escrow.Terms
	return &ports.UnlockingRequest{
		OutputId: escrow.OutputId,
		Contract: contractOf(terms),
		Witness: []ports.WitnessComponent{
			{Data: preimage},
			{Data: domain.FulfillClause.Selector()},
		},
		Destination: terms.Destination.Program,
		MaxTime:     terms.ExpiresAt,
	}, nil
}

func (b *escrowBuilder) buildReject(
	escrow domain.EscrowOutput, reason domain.RejectionReason,
) (*ports.UnlockingRequest, error) {
	referenceData, err := json.Marshal(reason)
	if err != nil {
		return nil, fmt.Errorf("invalid rejection reason: %s", err)
	}

	terms := escrow.Terms
	return &ports.UnlockingRequest{
		OutputId: escrow.OutputId,
		Contract: contractOf(terms),
		Witness: []ports.WitnessComponent{
			{SignBy: terms.Destination.PubKey},
			{Data: domain.RejectClause.Selector()},
		},
		Destination:   terms.Source.Program,
		ReferenceData: referenceData,
	}, nil
}

func (b *escrowBuilder) buildTimeout(escrow domain.EscrowOutput) *ports.UnlockingRequest {
	terms := escrow.Terms
	witness := []ports.WitnessComponent{{Data: domain.TimeoutClause.Selector()}}
	if terms.Variant == domain.TwoKeyEscrow {
		witness = append([]ports.WitnessComponent{{SignBy: terms.Source.PubKey}}, witness...)
	}

	return &ports.UnlockingRequest{
		OutputId:    escrow.OutputId,
		Contract:    contractOf(terms),
		Witness:     witness,
		Destination: terms.Source.Program,
		MinTime:     terms.ExpiresAt,
	}
}

func contractOf(terms domain.EscrowTerms) ports.Contract {
	return ports.Contract{
		TemplateId: terms.Variant.Template(),
		Params:     terms.Params(),
	}
}
