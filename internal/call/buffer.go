package call

import "vico_home/vicocall/internal/domain"

// candidateBuffer holds remote candidates that arrived before the remote
// description. It is append-only until drained; a drain hands back every
// queued candidate in arrival order and forgets them.
type candidateBuffer struct {
	queue []domain.ICECandidatePayload
}

func (b *candidateBuffer) push(c domain.ICECandidatePayload) {
	b.queue = append(b.queue, c)
}

func (b *candidateBuffer) drain() []domain.ICECandidatePayload {
	out := b.queue
	b.queue = nil
	return out
}

func (b *candidateBuffer) len() int { return len(b.queue) }

func (b *candidateBuffer) reset() { b.queue = nil }
