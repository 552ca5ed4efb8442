package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/internal/registry"
)

// ValidatorStore persists the validator directory under the validators hash
// and the peer address book under validatorPeers.
type ValidatorStore struct {
	kv     *KV
	logger *zap.SugaredLogger
}

// NewValidatorStore wraps the KV with validator persistence.
func NewValidatorStore(kv *KV, logger *zap.SugaredLogger) *ValidatorStore {
	return &ValidatorStore{kv: kv, logger: logger.Named("validatorstore")}
}

// ListValidators reads every registered validator. Undecodable rows are
// skipped and logged rather than failing the refresh.
func (vs *ValidatorStore) ListValidators(ctx context.Context) ([]registry.ValidatorInfo, error) {
	rows, err := vs.kv.HGetAll(ctx, keyValidators)
	if err != nil {
		return nil, err
	}
	out := make([]registry.ValidatorInfo, 0, len(rows))
	for addr, raw := range rows {
		var info registry.ValidatorInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			vs.logger.Warnw("skipping undecodable validator row", "address", addr, "err", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// PutValidator upserts one validator row keyed by address.
func (vs *ValidatorStore) PutValidator(ctx context.Context, info registry.ValidatorInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode validator %s: %w", info.Address, err)
	}
	return vs.kv.HSet(ctx, keyValidators, info.Address, string(raw))
}

// PutPeer records the network address of a peer id.
func (vs *ValidatorStore) PutPeer(ctx context.Context, peerID, addr string) error {
	return vs.kv.HSet(ctx, keyPeers, peerID, addr)
}

// Peers lists the known peer address book.
func (vs *ValidatorStore) Peers(ctx context.Context) (map[string]string, error) {
	return vs.kv.HGetAll(ctx, keyPeers)
}
