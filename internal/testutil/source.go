package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/source"
)

// Source is a scriptable source.API. Payloads are keyed by relation and batch number.
type Source struct {
	mu sync.Mutex

	SourceVersion string
	IDs           map[string]int64
	LookupErr     error
	RequestErr    error
	Statuses      []source.RelationStatus
	StatusErr     error
	Payloads      map[string]map[int][]byte
	Descendants   []source.Descendant

	Requests  []source.Target
	Batched   []bool
	Downloads []string
}

func NewSource() *Source {
	return &Source{
		SourceVersion: "16.4.0",
		IDs:           make(map[string]int64),
		Payloads:      make(map[string]map[int][]byte),
	}
}

// For implements source.Provider by always returning s.
func (s *Source) For(string) source.API { return s }

func (s *Source) SetPayload(relation string, batchNumber int, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Payloads[relation] == nil {
		s.Payloads[relation] = make(map[int][]byte)
	}
	s.Payloads[relation][batchNumber] = []byte(data)
}

func (s *Source) SetStatus(st source.RelationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Statuses {
		if s.Statuses[i].Relation == st.Relation {
			s.Statuses[i] = st
			return
		}
	}
	s.Statuses = append(s.Statuses, st)
}

func (s *Source) Version(context.Context) (string, error) {
	return s.SourceVersion, nil
}

func (s *Source) LookupSourceID(_ context.Context, _ models.SourceType, fullPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LookupErr != nil {
		return 0, s.LookupErr
	}
	id, ok := s.IDs[fullPath]
	if !ok {
		return 0, &source.StatusError{Code: 404, URL: fullPath}
	}
	return id, nil
}

func (s *Source) RequestExports(_ context.Context, target source.Target, batched bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, target)
	s.Batched = append(s.Batched, batched)
	return s.RequestErr
}

func (s *Source) ExportStatus(context.Context, source.Target) ([]source.RelationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return nil, s.StatusErr
	}
	return append([]source.RelationStatus(nil), s.Statuses...), nil
}

func (s *Source) Download(_ context.Context, _ source.Target, relation string, batchNumber int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloads = append(s.Downloads, fmt.Sprintf("%s/%d", relation, batchNumber))
	data, ok := s.Payloads[relation][batchNumber]
	if !ok {
		return nil, &source.StatusError{Code: 404, URL: relation}
	}
	return data, nil
}

func (s *Source) ListDescendants(context.Context, source.Target) ([]source.Descendant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]source.Descendant(nil), s.Descendants...), nil
}
