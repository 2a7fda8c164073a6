package artifact

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore is an in-process RecordStore for single-pod
// deployments and tests. Semantics mirror the Mongo implementation.
type MemoryRecordStore struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	orphans   map[string]Orphan
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		artifacts: make(map[string]Artifact),
		orphans:   make(map[string]Orphan),
	}
}

func (s *MemoryRecordStore) Insert(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = cloneArtifact(*a)
	return nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, id string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneArtifact(a)
	return &out, nil
}

func (s *MemoryRecordStore) FindByFileName(ctx context.Context, fileName, userID string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *Artifact
	for id := range s.artifacts {
		a := s.artifacts[id]
		if a.FileName != fileName || a.Status == StatusDeleted {
			continue
		}
		if userID != "" && a.UserID != userID {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			c := cloneArtifact(a)
			newest = &c
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

func (s *MemoryRecordStore) List(ctx context.Context, f Filter) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Artifact, 0)
	for id := range s.artifacts {
		a := s.artifacts[id]
		if !f.IncludeDeleted && a.Status == StatusDeleted {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.ProjectID != "" && a.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ExpiresBefore != nil && (a.ExpiresAt == nil || !a.ExpiresAt.Before(*f.ExpiresBefore)) {
			continue
		}
		out = append(out, cloneArtifact(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRecordStore) ListPurgeCandidates(ctx context.Context, before time.Time) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Artifact, 0)
	for id := range s.artifacts {
		a := s.artifacts[id]
		expired := a.ExpiresAt != nil && a.ExpiresAt.Before(before)
		if a.Status == StatusDeleted || expired {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRecordStore) IncrementDownload(ctx context.Context, id string, at time.Time) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok || a.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	a.DownloadCount++
	at = at.UTC()
	a.LastDownloadedAt = &at
	s.artifacts[id] = a
	out := cloneArtifact(a)
	return &out, nil
}

func (s *MemoryRecordStore) UpdateStatus(ctx context.Context, id string, status ArtifactStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	s.artifacts[id] = a
	return nil
}

func (s *MemoryRecordStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
	return nil
}

func (s *MemoryRecordStore) UsageByUser(ctx context.Context, userID string) (*Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &Usage{}
	for id := range s.artifacts {
		a := s.artifacts[id]
		if a.Status == StatusDeleted {
			continue
		}
		if userID != "" && a.UserID != userID {
			continue
		}
		u.Bytes += a.Size
		u.Count++
		u.Downloads += a.DownloadCount
	}
	return u, nil
}

func (s *MemoryRecordStore) RecordOrphan(ctx context.Context, o Orphan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans[o.BlobID] = o
	return nil
}

func (s *MemoryRecordStore) ListOrphans(ctx context.Context) ([]Orphan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Orphan, 0, len(s.orphans))
	for id := range s.orphans {
		out = append(out, s.orphans[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlobID < out[j].BlobID })
	return out, nil
}

func (s *MemoryRecordStore) ResolveOrphan(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orphans, blobID)
	return nil
}

func cloneArtifact(a Artifact) Artifact {
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		a.ExpiresAt = &t
	}
	if a.LastDownloadedAt != nil {
		t := *a.LastDownloadedAt
		a.LastDownloadedAt = &t
	}
	if a.Tags != nil {
		a.Tags = append([]string(nil), a.Tags...)
	}
	if a.Metadata != nil {
		m := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			m[k] = v
		}
		a.Metadata = m
	}
	return a
}
