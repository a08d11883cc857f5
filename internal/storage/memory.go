package storage

import (
	"context"
	"sort"
	"sync"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

// In-memory stores back the test suites and local development. They
// intentionally favor clarity over performance.

type InMemoryEnrollmentStore struct {
	mu          sync.RWMutex
	enrollments map[string]domain.Enrollment
}

func NewInMemoryEnrollmentStore() *InMemoryEnrollmentStore {
	return &InMemoryEnrollmentStore{enrollments: make(map[string]domain.Enrollment)}
}

func (s *InMemoryEnrollmentStore) Save(_ context.Context, enrollment domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[enrollment.ID] = enrollment
	return nil
}

func (s *InMemoryEnrollmentStore) FindByID(_ context.Context, id string) (domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.enrollments[id]; ok {
		return e, nil
	}
	return domain.Enrollment{}, errors.ErrNotFound
}

func (s *InMemoryEnrollmentStore) UpdateStatus(_ context.Context, id string, from, to domain.EnrollmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return errors.ErrNotFound
	}
	if e.Status != from {
		return errors.PreconditionNotMet(errors.CodeIllegalTransition,
			"enrollment status changed concurrently")
	}
	e.Status = to
	s.enrollments[id] = e
	return nil
}

type InMemoryDocumentStore struct {
	mu        sync.RWMutex
	documents map[string]domain.Document
}

func NewInMemoryDocumentStore() *InMemoryDocumentStore {
	return &InMemoryDocumentStore{documents: make(map[string]domain.Document)}
}

func (s *InMemoryDocumentStore) Save(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	return nil
}

func (s *InMemoryDocumentStore) FindByID(_ context.Context, id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.documents[id]; ok {
		return d, nil
	}
	return domain.Document{}, errors.ErrNotFound
}

func (s *InMemoryDocumentStore) ListByEnrollment(_ context.Context, enrollmentID string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []domain.Document
	for _, d := range s.documents {
		if d.EnrollmentID == enrollmentID {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (s *InMemoryDocumentStore) UpdateStatus(_ context.Context, id string, from, to domain.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return errors.ErrNotFound
	}
	if d.Status != from {
		return errors.ErrAlreadyProcessing
	}
	d.Status = to
	s.documents[id] = d
	return nil
}

func (s *InMemoryDocumentStore) SaveResult(_ context.Context, id string, status domain.DocumentStatus, result *domain.OCRResult, failReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return errors.ErrNotFound
	}
	d.Status = status
	d.OCR = result
	d.FailReason = failReason
	s.documents[id] = d
	return nil
}

type InMemoryHealthRecordStore struct {
	mu      sync.RWMutex
	records map[string]domain.HealthRecord // keyed by record ID
}

func NewInMemoryHealthRecordStore() *InMemoryHealthRecordStore {
	return &InMemoryHealthRecordStore{records: make(map[string]domain.HealthRecord)}
}

func (s *InMemoryHealthRecordStore) Save(_ context.Context, record domain.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *InMemoryHealthRecordStore) FindByEnrollment(_ context.Context, enrollmentID string) (domain.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.EnrollmentID == enrollmentID {
			return r, nil
		}
	}
	return domain.HealthRecord{}, errors.ErrNotFound
}

func (s *InMemoryHealthRecordStore) SaveConversion(_ context.Context, recordID string, conversion domain.ConversionCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return errors.ErrNotFound
	}
	r.Conversion = &conversion
	s.records[recordID] = r
	return nil
}

type InMemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]domain.WebhookSubscription
}

func NewInMemorySubscriptionStore() *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{subs: make(map[string]domain.WebhookSubscription)}
}

func (s *InMemorySubscriptionStore) Save(_ context.Context, sub domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *InMemorySubscriptionStore) FindByID(_ context.Context, id string) (domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subs[id]; ok {
		return sub, nil
	}
	return domain.WebhookSubscription{}, errors.ErrNotFound
}

func (s *InMemorySubscriptionStore) ListActive(_ context.Context) ([]domain.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []domain.WebhookSubscription
	for _, sub := range s.subs {
		if sub.Active {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (s *InMemorySubscriptionStore) SetFlagged(_ context.Context, id string, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return errors.ErrNotFound
	}
	sub.Flagged = flagged
	s.subs[id] = sub
	return nil
}

type InMemoryDeliveryAttemptStore struct {
	mu       sync.RWMutex
	attempts []domain.WebhookDeliveryAttempt
}

func NewInMemoryDeliveryAttemptStore() *InMemoryDeliveryAttemptStore {
	return &InMemoryDeliveryAttemptStore{}
}

func (s *InMemoryDeliveryAttemptStore) Append(_ context.Context, attempt domain.WebhookDeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *InMemoryDeliveryAttemptStore) ListByEvent(_ context.Context, subscriptionID, eventID string) ([]domain.WebhookDeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WebhookDeliveryAttempt
	for _, a := range s.attempts {
		if a.SubscriptionID == subscriptionID && a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryDeliveryAttemptStore) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WebhookDeliveryAttempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].SubscriptionID == subscriptionID {
			out = append(out, s.attempts[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

type InMemoryAuditStore struct {
	mu      sync.RWMutex
	records map[string][]AuditRecord
}

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{records: make(map[string][]AuditRecord)}
}

func (s *InMemoryAuditStore) Append(_ context.Context, record AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.EnrollmentID] = append(s.records[record.EnrollmentID], record)
	return nil
}

func (s *InMemoryAuditStore) ListByEnrollment(_ context.Context, enrollmentID string) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditRecord{}, s.records[enrollmentID]...), nil
}
