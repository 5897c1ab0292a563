package pipeline

import "sync"

// ActiveSet is the process-wide set of URLs currently known to the
// pipeline, in any stage. The ingester inserts, workers remove on terminal
// dispositions. Best-effort dedup only: the coordinator's per-site
// exclusivity is the true guard against concurrent processing.
type ActiveSet struct {
	urls sync.Map
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{}
}

// Add inserts url and reports whether it was newly added.
func (s *ActiveSet) Add(url string) bool {
	_, loaded := s.urls.LoadOrStore(url, struct{}{})
	return !loaded
}

func (s *ActiveSet) Remove(url string) {
	s.urls.Delete(url)
}

func (s *ActiveSet) Contains(url string) bool {
	_, ok := s.urls.Load(url)
	return ok
}

func (s *ActiveSet) Len() int {
	n := 0
	s.urls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
