package eligibility

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	require.Equal(t, LatestVersion, v)

	v, err = ParseVersion("V4")
	require.NoError(t, err)
	require.Equal(t, Version4, v)
	require.Equal(t, "v4", v.String())

	_, err = ParseVersion("7")
	require.Error(t, err)
}

func TestCapabilitiesGateOperations(t *testing.T) {
	v1, err := CapabilitiesOf(Version1)
	require.NoError(t, err)
	require.ErrorIs(t, v1.Require(OpScreen), ErrUnsupportedByVersion)
	require.ErrorIs(t, v1.Require(OpClaim), ErrUnsupportedByVersion)
	require.NoError(t, v1.Require(OpWithdraw))

	v3, err := CapabilitiesOf(Version3)
	require.NoError(t, err)
	require.NoError(t, v3.Require(OpScreen))
	require.ErrorIs(t, v3.Require(OpClaim), ErrUnsupportedByVersion)

	v6, err := CapabilitiesOf(Version6)
	require.NoError(t, err)
	for _, op := range []Operation{OpScreen, OpClaim, OpPause, OpUnpause, OpUpdateReward, OpUpdateTarget, OpWithdraw} {
		require.NoError(t, v6.Require(op), op)
	}
	require.True(t, v6.KindBoundSignatures)
	require.False(t, v6.Blacklist)

	_, err = CapabilitiesOf(Version(0))
	require.Error(t, err)
}
