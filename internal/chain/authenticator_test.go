package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
	"github.com/teamTripCode/tc-validator-node/internal/registry"
)

func testSigner(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func keySetFor(kps ...*crypto.KeyPair) *registry.ValidatorSet {
	rows := make([]registry.ValidatorInfo, 0, len(kps))
	for _, kp := range kps {
		rows = append(rows, registry.ValidatorInfo{
			Address:   kp.Address,
			PublicKey: kp.PublicKeyHex(),
			Status:    registry.StatusActive,
		})
	}
	return registry.NewValidatorSet(0, rows)
}

func forgedChild(t *testing.T, parent *core.Block, signer *crypto.KeyPair, body []core.Transaction) *core.Block {
	t.Helper()
	b := &core.Block{
		Index:      parent.Index + 1,
		Timestamp:  "2024-06-01T00:00:00.000Z",
		ParentHash: parent.Hash,
		Type:       core.BlockTypeTransaction,
		Body:       body,
		TotalFees:  core.SumFees(body),
	}
	require.NoError(t, core.Forge(b, signer))
	return b
}

func TestVerify_AcceptsWellFormedBlock(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()
	body := []core.Transaction{{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 10, Size: 10}}

	b := forgedChild(t, parent, signer, body)
	assert.NoError(t, auth.Verify(b, parent, keySetFor(signer)))
}

func TestVerify_RejectsTamperedHash(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, signer, nil)
	b.Nonce++ // mutates the preimage without resealing
	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrHashMismatch)
}

func TestVerify_RejectsWrongParent(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, signer, nil)
	impostorParent := &core.Block{Index: 0, Hash: "someone-else-entirely"}

	err := auth.Verify(b, impostorParent, keySetFor(signer))
	assert.ErrorIs(t, err, ErrBadParentHash)
}

func TestVerify_RejectsHeightGap(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, signer, nil)
	b.Index = 5
	hash, err := core.ComputeHash(b)
	require.NoError(t, err)
	b.Hash = hash
	b.Signature = signer.Sign([]byte(hash))

	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrBadHeight)
}

func TestVerify_UnknownParentIsNotFatal(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, signer, nil)
	err := auth.Verify(b, nil, keySetFor(signer))
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestVerify_RejectsOutsiderValidator(t *testing.T) {
	signer := testSigner(t)
	outsider := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, outsider, nil)
	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrUnknownValidator)
}

func TestVerify_RejectsForeignSignature(t *testing.T) {
	signer := testSigner(t)
	impostor := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()

	b := forgedChild(t, parent, signer, nil)
	b.Signature = impostor.Sign([]byte(b.Hash))
	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrBadSignature)
}

func TestVerify_RejectsDuplicateBodyTx(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()
	body := []core.Transaction{
		{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 5, Size: 5},
		{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 5, Size: 5},
	}

	b := forgedChild(t, parent, signer, body)
	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrDuplicateTx)
}

func TestVerify_RejectsFeeMismatch(t *testing.T) {
	signer := testSigner(t)
	auth := NewAuthenticator(zap.NewNop().Sugar())
	parent := core.GenesisBlock()
	body := []core.Transaction{{Hash: "aa", From: "f", To: "t", Amount: 1, Fee: 5, Size: 5}}

	b := &core.Block{
		Index:      parent.Index + 1,
		Timestamp:  "2024-06-01T00:00:00.000Z",
		ParentHash: parent.Hash,
		Type:       core.BlockTypeTransaction,
		Body:       body,
		TotalFees:  999,
	}
	require.NoError(t, core.Forge(b, signer))
	assert.ErrorIs(t, auth.Verify(b, parent, keySetFor(signer)), ErrFeeMismatch)
}

func TestVerify_Genesis(t *testing.T) {
	auth := NewAuthenticator(zap.NewNop().Sugar())
	assert.NoError(t, auth.Verify(core.GenesisBlock(), nil, keySetFor()))

	bad := core.GenesisBlock()
	bad.Validator = "not-system"
	assert.ErrorIs(t, auth.Verify(bad, nil, keySetFor()), ErrBadGenesis)
}
