package session

import "time"

// AudioStats tracks ingestion for one session. Created at registration,
// updated only by the Manager after a successful forward, destroyed with the
// session.
type AudioStats struct {
	TotalChunks    int64     `json:"total_chunks"`
	TotalBytes     int64     `json:"total_bytes"`
	FirstChunkTime time.Time `json:"first_chunk_time"`
	LastChunkTime  time.Time `json:"last_chunk_time"`
	MaxChunkSize   int       `json:"max_chunk_size"`
	MinChunkSize   int       `json:"min_chunk_size"`
}

func (s *AudioStats) record(size int, now time.Time) {
	if s.FirstChunkTime.IsZero() {
		s.FirstChunkTime = now
	}
	s.LastChunkTime = now
	s.TotalChunks++
	s.TotalBytes += int64(size)
	if size > s.MaxChunkSize {
		s.MaxChunkSize = size
	}
	if s.TotalChunks == 1 || size < s.MinChunkSize {
		s.MinChunkSize = size
	}
}
