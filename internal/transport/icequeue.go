package transport

import "github.com/pion/webrtc/v4"

// CandidateQueue holds remote ICE candidates that arrive before the remote
// description is set. It is drained exactly once, in arrival order, after
// which Push reports that candidates must be applied directly. It is not
// safe for concurrent use.
type CandidateQueue struct {
	pending []webrtc.ICECandidateInit
	drained bool
}

// Push queues c and returns true, or returns false once the queue has been
// drained.
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) bool {
	if q.drained {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

// Drain applies every queued candidate in order and discards the queue.
// Failed candidates do not stop the drain; the first error is returned.
// Later calls do nothing.
func (q *CandidateQueue) Drain(apply func(webrtc.ICECandidateInit) error) error {
	if q.drained {
		return nil
	}
	q.drained = true
	pending := q.pending
	q.pending = nil

	var first error
	for _, c := range pending {
		if err := apply(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (q *CandidateQueue) Len() int      { return len(q.pending) }
func (q *CandidateQueue) Drained() bool { return q.drained }
