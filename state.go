package kfetch

// Stream half-state bits. The initial half and the reply half of every
// stream transition independently, so a stream's lifecycle fits in one
// uint8 of eight flags.

type streamState uint8

const (
	stateInitialOpening streamState = 1 << iota
	stateInitialOpened
	stateInitialClosing
	stateInitialClosed
	stateReplyOpening
	stateReplyOpened
	stateReplyClosing
	stateReplyClosed
)

func openingInitial(state streamState) streamState {
	return state | stateInitialOpening
}

func openedInitial(state streamState) streamState {
	return state | stateInitialOpening | stateInitialOpened
}

func closedInitial(state streamState) streamState {
	return state | stateInitialClosing | stateInitialClosed
}

func openingReply(state streamState) streamState {
	return state | stateReplyOpening
}

func openedReply(state streamState) streamState {
	return state | stateReplyOpening | stateReplyOpened
}

func closedReply(state streamState) streamState {
	return state | stateReplyClosing | stateReplyClosed
}

func initialOpening(state streamState) bool {
	return state&stateInitialOpening != 0
}

func initialOpened(state streamState) bool {
	return state&stateInitialOpened != 0
}

func initialClosed(state streamState) bool {
	return state&stateInitialClosed != 0
}

func replyOpening(state streamState) bool {
	return state&stateReplyOpening != 0
}

func replyOpened(state streamState) bool {
	return state&stateReplyOpened != 0
}

func replyClosing(state streamState) bool {
	return state&stateReplyClosing != 0
}

func replyClosed(state streamState) bool {
	return state&stateReplyClosed != 0
}

func streamClosed(state streamState) bool {
	return initialClosed(state) && replyClosed(state)
}
