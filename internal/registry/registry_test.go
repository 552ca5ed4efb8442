package registry

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	rows []ValidatorInfo
	err  error
}

func (s *staticSource) ListValidators(context.Context) ([]ValidatorInfo, error) {
	return s.rows, s.err
}

func fourValidators() []ValidatorInfo {
	// Addresses chosen so ascending order is b1 < c2 < d3 < e4.
	return []ValidatorInfo{
		{Address: "d3", PublicKey: "pk-d", Stake: 10, Status: StatusActive},
		{Address: "b1", PublicKey: "pk-b", Stake: 30, Status: StatusActive},
		{Address: "e4", PublicKey: "pk-e", Stake: 20, Status: StatusActive},
		{Address: "c2", PublicKey: "pk-c", Stake: 40, Status: StatusActive},
	}
}

func newTestRegistry(t *testing.T, rows []ValidatorInfo, self string) *Registry {
	t.Helper()
	r, err := New(Config{
		Source:      &staticSource{rows: rows},
		SelfAddress: self,
		ViewHorizon: 8,
		Logger:      zap.NewNop().Sugar(),
		Clock:       clock.NewMock(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Refresh(context.Background()))
	return r
}

func TestValidatorSet_OrderingIsAddressAscending(t *testing.T) {
	set := NewValidatorSet(0, fourValidators())
	addrs := make([]string, 0, set.Len())
	for _, v := range set.Validators {
		addrs = append(addrs, v.Address)
	}
	assert.True(t, sort.StringsAreSorted(addrs))
	assert.Equal(t, []string{"b1", "c2", "d3", "e4"}, addrs)
}

func TestValidatorSet_LeaderRotation(t *testing.T) {
	set := NewValidatorSet(0, fourValidators())

	leader0, err := set.LeaderOf(0)
	require.NoError(t, err)
	assert.Equal(t, "b1", leader0)

	leader1, err := set.LeaderOf(1)
	require.NoError(t, err)
	assert.Equal(t, "c2", leader1)

	// view mod N wraps around the ordered sequence.
	leader5, err := set.LeaderOf(5)
	require.NoError(t, err)
	assert.Equal(t, "c2", leader5)
}

func TestValidatorSet_Quorum(t *testing.T) {
	cases := []struct {
		n      int
		quorum int
	}{
		{1, 1}, {2, 2}, {3, 3}, {4, 3}, {7, 5}, {10, 7},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d", tc.n), func(t *testing.T) {
			rows := make([]ValidatorInfo, tc.n)
			for i := range rows {
				rows[i] = ValidatorInfo{Address: fmt.Sprintf("v%02d", i), Status: StatusActive}
			}
			assert.Equal(t, tc.quorum, NewValidatorSet(0, rows).Quorum())
		})
	}
}

func TestValidatorSet_EmptySetHasNoLeader(t *testing.T) {
	set := NewValidatorSet(0, nil)
	_, err := set.LeaderOf(0)
	assert.ErrorIs(t, err, ErrEmptyValidatorSet)
}

func TestRegistry_RefreshKeepsActiveOnly(t *testing.T) {
	rows := fourValidators()
	rows[1].Status = StatusStandby
	rows[2].Status = StatusPenalized
	r := newTestRegistry(t, rows, "d3")

	snap, err := r.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.False(t, snap.IsActive("b1"))
	assert.False(t, snap.IsActive("e4"))
	assert.True(t, snap.IsActive("c2"))
}

func TestRegistry_SnapshotRefusesViewsBeyondHorizon(t *testing.T) {
	r := newTestRegistry(t, fourValidators(), "b1")

	_, err := r.Snapshot(8)
	assert.NoError(t, err)
	_, err = r.Snapshot(9)
	assert.ErrorIs(t, err, ErrViewBeyondHorizon)

	r.AdvanceView(3)
	_, err = r.Snapshot(11)
	assert.NoError(t, err)
}

func TestRegistry_SelfStatus(t *testing.T) {
	r := newTestRegistry(t, fourValidators(), "c2")
	assert.Equal(t, StatusActive, r.SelfStatus())

	outsider := newTestRegistry(t, fourValidators(), "zz-not-member")
	assert.Equal(t, StatusStandby, outsider.SelfStatus())
}

func TestRegistry_TouchFeedsLastActive(t *testing.T) {
	mock := clock.NewMock()
	r, err := New(Config{
		Source:      &staticSource{rows: fourValidators()},
		SelfAddress: "b1",
		ViewHorizon: 8,
		Logger:      zap.NewNop().Sugar(),
		Clock:       mock,
	})
	require.NoError(t, err)

	mock.Add(5 * time.Second)
	r.Touch("c2")
	require.NoError(t, r.Refresh(context.Background()))

	snap, err := r.Snapshot(0)
	require.NoError(t, err)
	pk, ok := snap.PublicKeyOf("c2")
	require.True(t, ok)
	assert.Equal(t, "pk-c", pk)

	for _, v := range snap.Validators {
		if v.Address == "c2" {
			assert.Equal(t, mock.Now(), v.LastActive)
		}
	}
}
