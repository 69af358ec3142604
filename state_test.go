package kfetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_state_halves_transition_independently(t *testing.T) {
	should := require.New(t)
	var state streamState

	state = openingInitial(state)
	should.True(initialOpening(state))
	should.False(initialOpened(state))
	should.False(replyOpening(state))

	state = openedInitial(state)
	should.True(initialOpened(state))

	state = openingReply(state)
	state = openedReply(state)
	should.True(replyOpened(state))
	should.False(initialClosed(state))

	state = closedInitial(state)
	should.True(initialClosed(state))
	should.False(replyClosed(state))
	should.False(streamClosed(state))

	state = closedReply(state)
	should.True(replyClosing(state))
	should.True(replyClosed(state))
	should.True(streamClosed(state))
}
