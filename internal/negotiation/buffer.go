package negotiation

import "github.com/pion/webrtc/v4"

// candidateQueue holds remote candidates that arrived before any remote
// description. Receipt order is kept.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) int {
	q.items = append(q.items, c)
	return len(q.items)
}

// take empties the queue and returns what it held.
func (q *candidateQueue) take() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int { return len(q.items) }
