package drift

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
)

type fingerprints struct {
	current   domain.Fingerprint
	reference domain.Fingerprint
	hasRef    bool
}

// FingerprintStore — текущие и эталонные отпечатки агентов.
// Первый наблюденный отпечаток становится эталоном версии 1.
type FingerprintStore struct {
	mu   sync.RWMutex
	data map[string]*fingerprints
	now  func() time.Time
}

func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{data: make(map[string]*fingerprints), now: time.Now}
}

// Observe записывает текущий отпечаток.
func (s *FingerprintStore) Observe(agentID string, vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("drift: empty fingerprint: %w", domain.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := domain.Fingerprint{Vector: slices.Clone(vector), RecordedAt: s.now().UTC()}
	f, ok := s.data[agentID]
	if !ok {
		f = &fingerprints{}
		s.data[agentID] = f
	}
	if !f.hasRef {
		fp.Version = 1
		f.reference, f.hasRef = fp, true
	}
	fp.Version = f.reference.Version
	f.current = fp
	return nil
}

// Rebaseline делает текущий отпечаток эталоном после успешной валидации.
func (s *FingerprintStore) Rebaseline(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.data[agentID]
	if !ok {
		return 0, fmt.Errorf("drift: no fingerprint for %s: %w", agentID, domain.ErrNotFound)
	}
	ref := f.current
	ref.Vector = slices.Clone(f.current.Vector)
	ref.Version = f.reference.Version + 1
	ref.RecordedAt = s.now().UTC()
	f.reference = ref
	f.current.Version = ref.Version
	return ref.Version, nil
}

// Pair возвращает копии текущего и эталонного отпечатков.
func (s *FingerprintStore) Pair(agentID string) (domain.Fingerprint, domain.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.data[agentID]
	if !ok || !f.hasRef {
		return domain.Fingerprint{}, domain.Fingerprint{}, fmt.Errorf("drift: no fingerprint for %s: %w", agentID, domain.ErrNotFound)
	}
	cur, ref := f.current, f.reference
	cur.Vector = slices.Clone(cur.Vector)
	ref.Vector = slices.Clone(ref.Vector)
	return cur, ref, nil
}

// Forget убирает отпечатки выведенного агента.
func (s *FingerprintStore) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, agentID)
}
