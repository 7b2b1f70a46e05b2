package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateStringMatchesOriginalCommentFormat(t *testing.T) {
	assert.Equal(t, "Joining: receiving State Transfer", Joining.String())
	assert.Equal(t, "Synced", Synced.String())
}

func TestLegalMembershipMoves(t *testing.T) {
	assert.True(t, Closed.CanTransition(Connected))
	assert.True(t, Connected.CanTransition(Joining))
	assert.True(t, Joining.CanTransition(Joined))
	assert.True(t, Joined.CanTransition(Synced))
	assert.True(t, Synced.CanTransition(Donor))
	assert.True(t, Donor.CanTransition(Synced))

	assert.False(t, Closed.CanTransition(Synced), "cannot skip straight from closed to synced")
	assert.False(t, Joining.CanTransition(Donor), "a joining replica cannot itself serve state transfer")
}

func TestParseStateRoundTripsStringForm(t *testing.T) {
	for _, s := range []State{Closed, Connected, Joining, Joined, Synced, Donor} {
		assert.Equal(t, s, parseState(s.String()))
	}
}
