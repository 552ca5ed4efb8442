package chain

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
)

// Rejection reasons reported by Verify. ErrUnknownParent is the one
// non-fatal outcome: the caller must park the block and retry after the
// parent gap is recovered, never finalize it.
var (
	ErrHashMismatch     = errors.New("block hash does not match its contents")
	ErrBadHeight        = errors.New("block height does not extend the parent")
	ErrBadParentHash    = errors.New("block parent hash does not match the parent")
	ErrBadGenesis       = errors.New("malformed genesis block")
	ErrBadSignature     = errors.New("block signature verification failed")
	ErrUnknownValidator = errors.New("block validator is not in the active set")
	ErrDuplicateTx      = errors.New("duplicate transaction inside block body")
	ErrBadBodyTx        = errors.New("malformed transaction inside block body")
	ErrFeeMismatch      = errors.New("block total fees do not match its body")
	ErrUnknownParent    = errors.New("parent block is not locally known")
)

// KeySet resolves membership and public keys for the validator set active
// at the block's view. The registry's ValidatorSet satisfies it.
type KeySet interface {
	IsActive(addr string) bool
	PublicKeyOf(addr string) (string, bool)
}

// Authenticator is the stateless block verifier used by the replica during
// PRE-PREPARE handling and again at finalization.
type Authenticator struct {
	logger *zap.SugaredLogger
}

// NewAuthenticator creates the verifier.
func NewAuthenticator(logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{logger: logger.Named("authenticator")}
}

// Verify checks a proposed block against its expected parent, using the
// key set active at the block's view. A nil parent means the parent is not
// locally known and yields ErrUnknownParent.
func (a *Authenticator) Verify(b *core.Block, parent *core.Block, keys KeySet) error {
	if b.Index == 0 {
		return a.verifyGenesis(b)
	}
	if parent == nil {
		return ErrUnknownParent
	}

	recomputed, err := core.ComputeHash(b)
	if err != nil {
		return err
	}
	if recomputed != b.Hash {
		return fmt.Errorf("%w: have %s, recomputed %s", ErrHashMismatch, b.Hash, recomputed)
	}
	if b.Index != parent.Index+1 {
		return fmt.Errorf("%w: block %d after parent %d", ErrBadHeight, b.Index, parent.Index)
	}
	if b.ParentHash != parent.Hash {
		return fmt.Errorf("%w: block references %s", ErrBadParentHash, b.ParentHash)
	}

	if !keys.IsActive(b.Validator) {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, b.Validator)
	}
	pub, ok := keys.PublicKeyOf(b.Validator)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, b.Validator)
	}
	if !crypto.Verify([]byte(b.Hash), b.Signature, pub) {
		return fmt.Errorf("%w: validator %s", ErrBadSignature, b.Validator)
	}

	return a.verifyBody(b)
}

func (a *Authenticator) verifyGenesis(b *core.Block) error {
	if b.ParentHash != core.GenesisParentHash || b.Validator != core.GenesisValidator {
		return ErrBadGenesis
	}
	recomputed, err := core.ComputeHash(b)
	if err != nil {
		return err
	}
	if recomputed != b.Hash {
		return fmt.Errorf("%w: %v", ErrBadGenesis, ErrHashMismatch)
	}
	return nil
}

func (a *Authenticator) verifyBody(b *core.Block) error {
	seen := make(map[string]struct{}, len(b.Body))
	var total uint64
	for i := range b.Body {
		tx := &b.Body[i]
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadBodyTx, err)
		}
		if _, dup := seen[tx.Hash]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTx, tx.Hash)
		}
		seen[tx.Hash] = struct{}{}
		total += tx.Fee
	}
	if b.TotalFees != 0 && b.TotalFees != total {
		return fmt.Errorf("%w: recorded %d, summed %d", ErrFeeMismatch, b.TotalFees, total)
	}
	return nil
}
