package domain_test

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/stretchr/testify/require"
)

func TestClauseSelector(t *testing.T) {
	fixtures := []struct {
		clause   domain.EscrowClause
		selector string
	}{
		{domain.FulfillClause, "0000000000000000"},
		{domain.RejectClause, "0100000000000000"},
		{domain.TimeoutClause, "0200000000000000"},
	}

	for _, f := range fixtures {
		t.Run(f.clause.String(), func(t *testing.T) {
			selector := f.clause.Selector()
			require.Equal(t, f.selector, hex.EncodeToString(selector))

			clause, err := domain.ClauseFromWitness([][]byte{[]byte("x"), selector})
			require.NoError(t, err)
			require.Equal(t, f.clause, clause)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := domain.ClauseFromWitness(nil)
		require.ErrorIs(t, err, domain.ErrInvalidClause)

		_, err = domain.ClauseFromWitness([][]byte{{0x01}})
		require.ErrorIs(t, err, domain.ErrInvalidClause)

		_, err = domain.ClauseFromWitness([][]byte{{0x03, 0, 0, 0, 0, 0, 0, 0}})
		require.ErrorIs(t, err, domain.ErrInvalidClause)
	})
}

func TestEscrowTermsParams(t *testing.T) {
	expiresAt := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	for _, variant := range []domain.EscrowVariant{domain.SingleKeyEscrow, domain.TwoKeyEscrow} {
		t.Run(string(variant), func(t *testing.T) {
			terms := domain.EscrowTerms{
				Variant:       variant,
				Source:        domain.Principal{PubKey: "aa", Program: []byte{0x51, 0x01}},
				Destination:   domain.Principal{PubKey: "bb", Program: []byte{0x51, 0x02}},
				ConditionHash: condition,
				ExpiresAt:     expiresAt,
			}
			if variant == domain.SingleKeyEscrow {
				terms.Source.PubKey = ""
			}

			decoded, err := domain.EscrowTermsFromParams(variant.Template(), terms.Params())
			require.NoError(t, err)
			require.Equal(t, terms.Variant, decoded.Variant)
			require.Equal(t, terms.Source, decoded.Source)
			require.Equal(t, terms.Destination, decoded.Destination)
			require.Equal(t, terms.ConditionHash, decoded.ConditionHash)
			require.True(t, terms.ExpiresAt.Equal(decoded.ExpiresAt))
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := domain.EscrowTermsFromParams("unknown", nil)
		require.ErrorIs(t, err, domain.ErrInvalidContractArgs)

		_, err = domain.EscrowTermsFromParams(domain.HashlockTemplate, []domain.ContractParam{{}})
		require.ErrorIs(t, err, domain.ErrInvalidContractArgs)
	})
}

func TestEscrowReference(t *testing.T) {
	transfer := testTransfer
	transfer.Custom = json.RawMessage(`{"foo":"bar"}`)
	terms := domain.EscrowTerms{
		Variant:       domain.SingleKeyEscrow,
		Source:        domain.Principal{PubKey: "aa", Program: []byte{0x01}},
		Destination:   domain.Principal{PubKey: "bb", Program: []byte{0x02}},
		ConditionHash: transfer.ExecutionCondition,
		ExpiresAt:     transfer.ExpiresAt,
	}

	buf, err := domain.NewEscrowReference(transfer, terms).Encode()
	require.NoError(t, err)

	ref, err := domain.DecodeEscrowReference(buf)
	require.NoError(t, err)
	require.False(t, ref.IsMessage())
	require.Equal(t, "aa", ref.SourcePubKey)
	require.Equal(t, "bb", ref.DestinationPubKey)

	reconstructed := ref.Transfer("test.usd.", transfer.Amount, transfer.AssetId)
	require.Equal(t, "test.usd.aa", reconstructed.From)
	require.Equal(t, "test.usd.bb", reconstructed.To)
	reconstructed.From, reconstructed.To = transfer.From, transfer.To
	require.True(t, transfer.SameTerms(reconstructed))

	msg, err := domain.NewMessageReference("aa", "bb", json.RawMessage(`"hi"`)).Encode()
	require.NoError(t, err)
	ref, err = domain.DecodeEscrowReference(msg)
	require.NoError(t, err)
	require.True(t, ref.IsMessage())

	_, err = domain.DecodeEscrowReference([]byte(`{"kind":"other"}`))
	require.Error(t, err)
}

func TestTransferValidate(t *testing.T) {
	require.NoError(t, testTransfer.Validate())

	fixtures := []struct {
		name   string
		mutate func(*domain.Transfer)
	}{
		{"missing id", func(tr *domain.Transfer) { tr.Id = "" }},
		{"missing destination", func(tr *domain.Transfer) { tr.To = "" }},
		{"zero amount", func(tr *domain.Transfer) { tr.Amount = 0 }},
		{"short condition", func(tr *domain.Transfer) { tr.ExecutionCondition = []byte{0x01} }},
		{"reserved condition", func(tr *domain.Transfer) { tr.ExecutionCondition = domain.MessageCondition }},
		{"missing expiration", func(tr *domain.Transfer) { tr.ExpiresAt = time.Time{} }},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			transfer := testTransfer
			f.mutate(&transfer)
			require.ErrorIs(t, transfer.Validate(), domain.ErrInvalidTransfer)
		})
	}
}

func TestParseAddress(t *testing.T) {
	key := "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

	pubkey, err := domain.ParseAddress("test.usd.", domain.Address("test.usd.", key))
	require.NoError(t, err)
	require.Equal(t, key, pubkey)

	_, err = domain.ParseAddress("test.eur.", "test.usd."+key)
	require.Error(t, err)

	_, err = domain.ParseAddress("test.usd.", "test.usd.abc")
	require.Error(t, err)
}
