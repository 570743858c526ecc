package ledger

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultStripes = 64

type stripes struct {
	mu []sync.Mutex
}

func newStripes(n int) *stripes {
	if n <= 0 {
		n = defaultStripes
	}
	return &stripes{mu: make([]sync.Mutex, n)}
}

func (s *stripes) index(account, category string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(category))
	return int(h.Sum32() % uint32(len(s.mu)))
}

// lock acquires the stripes for every (account, category) key in ascending
// index order and returns the matching unlock.
func (s *stripes) lock(category string, accounts ...string) func() {
	idx := make([]int, 0, len(accounts))
	seen := map[int]bool{}
	for _, a := range accounts {
		i := s.index(a, category)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.mu[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.mu[idx[j]].Unlock()
		}
	}
}
