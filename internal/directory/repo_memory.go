package directory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepo struct {
	mu       sync.Mutex
	profiles map[string]Profile
	byEmail  map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{profiles: map[string]Profile{}, byEmail: map[string]string{}}
}

func (r *MemoryRepo) Create(_ context.Context, p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[p.Email]; ok {
		return ErrEmailTaken
	}
	r.profiles[p.ID] = p
	r.byEmail[p.Email] = p.ID
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) GetByEmail(_ context.Context, email string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return r.profiles[id], nil
}

func (r *MemoryRepo) CompareAndSetStatus(_ context.Context, id string, from, to Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	r.profiles[id] = p
	return true, nil
}

func (r *MemoryRepo) SetStatus(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	r.profiles[id] = p
	return nil
}

func (r *MemoryRepo) RecordLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.LastLoginAt = &at
	if p.Status != StatusBusy {
		p.Status = StatusOnline
	}
	r.profiles[id] = p
	return nil
}

func (r *MemoryRepo) UpdateProfile(_ context.Context, id string, u ProfileUpdate) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.SpecialistMode != nil {
		p.SpecialistMode = *u.SpecialistMode
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.PricePerMinute != nil {
		p.PricePerMinute = *u.PricePerMinute
	}
	r.profiles[id] = p
	return p, nil
}

func (r *MemoryRepo) ListSpecialists(_ context.Context, limit int) ([]Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Profile
	for _, p := range r.profiles {
		if p.SpecialistMode && (p.Status == StatusOnline || p.Status == StatusBusy) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
