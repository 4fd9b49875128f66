package bus

import (
	"fmt"
	"math"
)

// Redis key pattern helpers
//
// All keys and channels are namespaced so several Warren deployments can share
// one Redis server.
//
// Key pattern: warren:{namespace}:{entity}[:{agent}]
// Channel pattern: warren:{namespace}:inbox:{agent}:events

// InboxKey returns the Redis key for an agent's inbox ZSET.
// Pattern: warren:{namespace}:inbox:{agent}
func InboxKey(namespace, agent string) string {
	return fmt.Sprintf("warren:%s:inbox:%s", namespace, agent)
}

// InboxesKey returns the Redis key for the set of agents with an inbox.
// Pattern: warren:{namespace}:inboxes
func InboxesKey(namespace string) string {
	return fmt.Sprintf("warren:%s:inboxes", namespace)
}

// SequenceKey returns the Redis key for the bus-wide arrival counter.
// Pattern: warren:{namespace}:seq
func SequenceKey(namespace string) string {
	return fmt.Sprintf("warren:%s:seq", namespace)
}

// InboxEventsChannel returns the Pub/Sub channel that wakes receivers of an inbox.
// Pattern: warren:{namespace}:inbox:{agent}:events
func InboxEventsChannel(namespace, agent string) string {
	return fmt.Sprintf("warren:%s:inbox:%s:events", namespace, agent)
}

// bandWidth separates priority bands in an inbox score. Sequence numbers must
// stay below it, which leaves room for 10^13 messages per namespace.
const bandWidth = 1e13

// maxRank is the rank of the most urgent priority.
const maxRank = 3

// InboxScore converts a priority rank and arrival sequence into a ZSET score.
// Lower scores are delivered first: urgent messages land in band 0, low
// messages in band 3, and arrival order breaks ties inside a band.
func InboxScore(rank int, seq uint64) float64 {
	if rank < 0 {
		rank = 0
	}
	if rank > maxRank {
		rank = maxRank
	}
	return float64(maxRank-rank)*bandWidth + float64(seq)
}

// RankFromScore extracts the priority rank from an inbox score.
func RankFromScore(score float64) int {
	return maxRank - int(math.Floor(score/bandWidth))
}
