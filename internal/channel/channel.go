// Package channel derives bus channel names from participant ids. Every name
// is a pure function of its inputs so two peers arrive at the same channel
// without talking to each other first.
package channel

const (
	signalingPrefix = "webrtc:"
	chatPrefix      = "chat:"
	poolPrefix      = "pool:"
	tablePrefix     = "table:"
)

// PairKey joins the two ids in sorted order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Signaling names the offer/answer/ice channel for a pair.
func Signaling(a, b string) string { return signalingPrefix + PairKey(a, b) }

// Chat names the chat channel for a pair.
func Chat(a, b string) string { return chatPrefix + PairKey(a, b) }

// Pool names the per-user channel carrying changes to that user's pool row.
func Pool(userID string) string { return poolPrefix + userID }

// Table names the channel carrying every row change of a table.
func Table(name string) string { return tablePrefix + name }

// IsInitiator reports whether self creates the first offer. The smaller id
// wins, so exactly one side of any pair of distinct ids is the initiator.
func IsInitiator(self, peer string) bool { return self < peer }

// Slots returns the pair in storage slot order (user1, user2).
func Slots(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
