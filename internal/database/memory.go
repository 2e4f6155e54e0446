package database

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory ComplianceRepository for tests and for
// running without a relational store.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	activity []QueryActivity
	licenses []AgentLicense
	ages     []PersonalDataAge
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now}
}

// SetClock overrides the repository's time source. Test hook.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// AddQueryActivity seeds recent query activity.
func (r *MemoryRepository) AddQueryActivity(a QueryActivity) {
	r.mu.Lock()
	r.activity = append(r.activity, a)
	r.mu.Unlock()
}

// AddLicense seeds a license record.
func (r *MemoryRepository) AddLicense(l AgentLicense) {
	r.mu.Lock()
	r.licenses = append(r.licenses, l)
	r.mu.Unlock()
}

// AddPersonalDataAge seeds a retention summary row.
func (r *MemoryRepository) AddPersonalDataAge(a PersonalDataAge) {
	r.mu.Lock()
	r.ages = append(r.ages, a)
	r.mu.Unlock()
}

func (r *MemoryRepository) RecentQueryActivity(_ context.Context, limit int) ([]QueryActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	activity := r.activity
	if len(activity) > limit {
		activity = activity[:limit]
	}
	out := make([]QueryActivity, len(activity))
	copy(out, activity)
	return out, nil
}

func (r *MemoryRepository) ExpiredActiveLicenses(_ context.Context) ([]AgentLicense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []AgentLicense
	now := r.now()
	for _, l := range r.licenses {
		if l.Active && l.ExpirationDate.Before(now) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

func (r *MemoryRepository) ExpiredPersonalData(_ context.Context, cutoff time.Time) ([]PersonalDataAge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PersonalDataAge
	for _, a := range r.ages {
		if a.OldestAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}
