package kfetch

// Frame constructors shared by every stream. Each builds one frame and
// hands it to the receiving consumer synchronously; the receiver runs on
// the same dispatcher.

func doBegin(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64, affinity int64, ex beginEx) {
	receiver(&beginFrame{
		frameHeader: frameHeader{
			routeID:       routeID,
			streamID:      streamID,
			traceID:       traceID,
			authorization: authorization,
		},
		affinity: affinity,
		ex:       ex,
	})
}

func doData(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64, budgetID int64, reserved int32, flags int32,
	payload []byte, ex dataEx) {
	receiver(&dataFrame{
		frameHeader: frameHeader{
			routeID:       routeID,
			streamID:      streamID,
			traceID:       traceID,
			authorization: authorization,
		},
		flags:    flags,
		budgetID: budgetID,
		reserved: reserved,
		payload:  payload,
		ex:       ex,
	})
}

func doEnd(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64) {
	receiver(&endFrame{frameHeader: frameHeader{
		routeID:       routeID,
		streamID:      streamID,
		traceID:       traceID,
		authorization: authorization,
	}})
}

func doAbort(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64) {
	receiver(&abortFrame{frameHeader: frameHeader{
		routeID:       routeID,
		streamID:      streamID,
		traceID:       traceID,
		authorization: authorization,
	}})
}

func doWindow(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64, budgetID int64, credit int32, padding int32) {
	receiver(&windowFrame{
		frameHeader: frameHeader{
			routeID:       routeID,
			streamID:      streamID,
			traceID:       traceID,
			authorization: authorization,
		},
		budgetID: budgetID,
		credit:   credit,
		padding:  padding,
	})
}

func doReset(receiver messageConsumer, routeID int64, streamID int64, traceID int64,
	authorization int64, ex *resetEx) {
	receiver(&resetFrame{
		frameHeader: frameHeader{
			routeID:       routeID,
			streamID:      streamID,
			traceID:       traceID,
			authorization: authorization,
		},
		ex: ex,
	})
}
