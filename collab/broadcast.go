package collab

// a member's live connection, as seen by the broadcaster
type Peer interface {
	// non-blocking. Returns false when the peer cannot take the message now
	// (queue full or closed). The message is then dropped for that peer.
	Send(message []byte) bool
	// non-blocking
	Close()
}

type BroadcastResult struct {
	Sent    int
	Skipped int
}

// roster shape: every peer receives the message
func BroadcastAll[K comparable](peers map[K]Peer, message []byte) BroadcastResult {
	return broadcast(peers, func(K) bool { return true }, message)
}

// targeted shape: every peer except the originator
func BroadcastExcept[K comparable](peers map[K]Peer, excludeKey K, message []byte) BroadcastResult {
	return broadcast(peers, func(k K) bool { return k != excludeKey }, message)
}

func broadcast[K comparable](peers map[K]Peer, include func(K) bool, message []byte) (result BroadcastResult) {
	for k, peer := range peers {
		if !include(k) {
			continue
		}
		// best effort. A slow peer is skipped, never awaited or retried
		if peer.Send(message) {
			result.Sent += 1
		} else {
			result.Skipped += 1
		}
	}
	return
}
