package artifact

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryProjectStore is an in-process ProjectStore with the same CAS
// semantics as the Mongo implementation.
type MemoryProjectStore struct {
	mu   sync.Mutex
	docs map[string]ProjectDocument
}

func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{docs: make(map[string]ProjectDocument)}
}

func (s *MemoryProjectStore) Get(ctx context.Context, projectID string) (*ProjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneProjectDocument(doc)
	return &out, nil
}

func (s *MemoryProjectStore) UpsertIfMatch(ctx context.Context, doc *ProjectDocument, expectedToken string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[doc.ProjectID]
	if expectedToken == "" {
		if exists {
			return "", ErrVersionConflict
		}
	} else if !exists || current.Token != expectedToken {
		return "", ErrVersionConflict
	}

	next := cloneProjectDocument(*doc)
	next.Token = uuid.NewString()
	s.docs[doc.ProjectID] = next
	return next.Token, nil
}

func (s *MemoryProjectStore) Delete(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, projectID)
	return nil
}

func (s *MemoryProjectStore) ListByUser(ctx context.Context, userID string) ([]ProjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProjectDocument, 0)
	for id := range s.docs {
		if s.docs[id].UserID == userID {
			out = append(out, cloneProjectDocument(s.docs[id]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (s *MemoryProjectStore) ListAll(ctx context.Context) ([]ProjectDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProjectDocument, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, cloneProjectDocument(s.docs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func cloneProjectDocument(d ProjectDocument) ProjectDocument {
	d.Versions = append([]Version(nil), d.Versions...)
	return d
}
