package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote ICE candidates that arrived before the
// remote description. drain applies everything queued so far in arrival
// order and empties the queue; candidates added afterwards bypass it.
type candidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) add(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit) error) error {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, c := range items {
		if err := apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (q *candidateQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
