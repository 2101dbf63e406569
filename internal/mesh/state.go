package mesh

// LinkState tracks one peer link through the offer/answer exchange.
//
//	New -> Offering -> AwaitingAnswer -> Connected
//	New -> Answering -> Connected
//	Connected -> Disconnected -> Closed   (after the grace period)
//	any -> Closed                          (explicit teardown)
type LinkState int32

const (
	StateNew LinkState = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateDisconnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
