package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

// Postgres stores persist through the shared pgxpool. JSON-shaped fields
// (metadata, OCR output, health entries) live in jsonb columns so the row
// layout stays stable while the domain structs evolve.

type PostgresEnrollmentStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEnrollmentStore(pool *pgxpool.Pool) *PostgresEnrollmentStore {
	return &PostgresEnrollmentStore{pool: pool}
}

func (s *PostgresEnrollmentStore) Save(ctx context.Context, e domain.Enrollment) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal enrollment metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrollments (id, status, metadata, required_documents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    metadata = EXCLUDED.metadata,
		    required_documents = EXCLUDED.required_documents,
		    updated_at = now()`,
		e.ID, e.Status, metadata, e.RequiredDocuments, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PostgresEnrollmentStore) FindByID(ctx context.Context, id string) (domain.Enrollment, error) {
	var (
		e        domain.Enrollment
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, metadata, required_documents, created_at, updated_at
		FROM enrollments WHERE id = $1`, id).
		Scan(&e.ID, &e.Status, &metadata, &e.RequiredDocuments, &e.CreatedAt, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.Enrollment{}, errors.ErrNotFound
	}
	if err != nil {
		return domain.Enrollment{}, err
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return domain.Enrollment{}, fmt.Errorf("unmarshal enrollment metadata: %w", err)
	}
	return e, nil
}

func (s *PostgresEnrollmentStore) UpdateStatus(ctx context.Context, id string, from, to domain.EnrollmentStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, ferr := s.FindByID(ctx, id); ferr != nil {
			return ferr
		}
		return errors.PreconditionNotMet(errors.CodeIllegalTransition,
			"enrollment status changed concurrently")
	}
	return nil
}

type PostgresDocumentStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDocumentStore(pool *pgxpool.Pool) *PostgresDocumentStore {
	return &PostgresDocumentStore{pool: pool}
}

func (s *PostgresDocumentStore) Save(ctx context.Context, d domain.Document) error {
	ocr, err := marshalNullable(d.OCR)
	if err != nil {
		return fmt.Errorf("marshal ocr result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, enrollment_id, type, storage_ref, content_type, size_bytes, status, ocr, fail_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    ocr = EXCLUDED.ocr,
		    fail_reason = EXCLUDED.fail_reason,
		    updated_at = now()`,
		d.ID, d.EnrollmentID, d.Type, d.StorageRef, d.ContentType, d.SizeBytes,
		d.Status, ocr, d.FailReason, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PostgresDocumentStore) FindByID(ctx context.Context, id string) (domain.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, enrollment_id, type, storage_ref, content_type, size_bytes, status, ocr, fail_reason, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *PostgresDocumentStore) ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, enrollment_id, type, storage_ref, content_type, size_bytes, status, ocr, fail_reason, created_at, updated_at
		FROM documents WHERE enrollment_id = $1 ORDER BY created_at`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresDocumentStore) UpdateStatus(ctx context.Context, id string, from, to domain.DocumentStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, ferr := s.FindByID(ctx, id); ferr != nil {
			return ferr
		}
		return errors.ErrAlreadyProcessing
	}
	return nil
}

func (s *PostgresDocumentStore) SaveResult(ctx context.Context, id string, status domain.DocumentStatus, result *domain.OCRResult, failReason string) error {
	ocr, err := marshalNullable(result)
	if err != nil {
		return fmt.Errorf("marshal ocr result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, ocr = $3, fail_reason = $4, updated_at = now()
		WHERE id = $1`, id, status, ocr, failReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var (
		d   domain.Document
		ocr []byte
	)
	err := row.Scan(&d.ID, &d.EnrollmentID, &d.Type, &d.StorageRef, &d.ContentType,
		&d.SizeBytes, &d.Status, &ocr, &d.FailReason, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.Document{}, errors.ErrNotFound
	}
	if err != nil {
		return domain.Document{}, err
	}
	if len(ocr) > 0 {
		d.OCR = &domain.OCRResult{}
		if err := json.Unmarshal(ocr, d.OCR); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal ocr result: %w", err)
		}
	}
	return d, nil
}

type PostgresHealthRecordStore struct {
	pool *pgxpool.Pool
}

func NewPostgresHealthRecordStore(pool *pgxpool.Pool) *PostgresHealthRecordStore {
	return &PostgresHealthRecordStore{pool: pool}
}

func (s *PostgresHealthRecordStore) Save(ctx context.Context, r domain.HealthRecord) error {
	entries, err := json.Marshal(struct {
		Conditions  []domain.HealthEntry `json:"conditions,omitempty"`
		Medications []domain.HealthEntry `json:"medications,omitempty"`
		Allergies   []domain.HealthEntry `json:"allergies,omitempty"`
	}{r.Conditions, r.Medications, r.Allergies})
	if err != nil {
		return fmt.Errorf("marshal health entries: %w", err)
	}
	conversion, err := marshalNullable(r.Conversion)
	if err != nil {
		return fmt.Errorf("marshal conversion cache: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO health_records (id, enrollment_id, birth_date, gender, family_name, given_name, entries, verified, conversion, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (enrollment_id) DO UPDATE
		SET birth_date = EXCLUDED.birth_date,
		    gender = EXCLUDED.gender,
		    family_name = EXCLUDED.family_name,
		    given_name = EXCLUDED.given_name,
		    entries = EXCLUDED.entries,
		    verified = EXCLUDED.verified,
		    conversion = EXCLUDED.conversion,
		    updated_at = now()`,
		r.ID, r.EnrollmentID, r.BirthDate, r.Gender, r.FamilyName, r.GivenName,
		entries, r.Verified, conversion, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresHealthRecordStore) FindByEnrollment(ctx context.Context, enrollmentID string) (domain.HealthRecord, error) {
	var (
		r          domain.HealthRecord
		entries    []byte
		conversion []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, enrollment_id, birth_date, gender, family_name, given_name, entries, verified, conversion, created_at, updated_at
		FROM health_records WHERE enrollment_id = $1`, enrollmentID).
		Scan(&r.ID, &r.EnrollmentID, &r.BirthDate, &r.Gender, &r.FamilyName, &r.GivenName,
			&entries, &r.Verified, &conversion, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.HealthRecord{}, errors.ErrNotFound
	}
	if err != nil {
		return domain.HealthRecord{}, err
	}
	var decoded struct {
		Conditions  []domain.HealthEntry `json:"conditions,omitempty"`
		Medications []domain.HealthEntry `json:"medications,omitempty"`
		Allergies   []domain.HealthEntry `json:"allergies,omitempty"`
	}
	if err := json.Unmarshal(entries, &decoded); err != nil {
		return domain.HealthRecord{}, fmt.Errorf("unmarshal health entries: %w", err)
	}
	r.Conditions = decoded.Conditions
	r.Medications = decoded.Medications
	r.Allergies = decoded.Allergies
	if len(conversion) > 0 {
		r.Conversion = &domain.ConversionCache{}
		if err := json.Unmarshal(conversion, r.Conversion); err != nil {
			return domain.HealthRecord{}, fmt.Errorf("unmarshal conversion cache: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresHealthRecordStore) SaveConversion(ctx context.Context, recordID string, conversion domain.ConversionCache) error {
	payload, err := json.Marshal(conversion)
	if err != nil {
		return fmt.Errorf("marshal conversion cache: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE health_records SET conversion = $2, updated_at = now()
		WHERE id = $1`, recordID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

type PostgresSubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSubscriptionStore(pool *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{pool: pool}
}

func (s *PostgresSubscriptionStore) Save(ctx context.Context, sub domain.WebhookSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, target_url, secret, event_types, active, flagged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET target_url = EXCLUDED.target_url,
		    secret = EXCLUDED.secret,
		    event_types = EXCLUDED.event_types,
		    active = EXCLUDED.active,
		    flagged = EXCLUDED.flagged`,
		sub.ID, sub.TargetURL, sub.Secret, sub.EventTypes, sub.Active, sub.Flagged, sub.CreatedAt)
	return err
}

func (s *PostgresSubscriptionStore) FindByID(ctx context.Context, id string) (domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_url, secret, event_types, active, flagged, created_at
		FROM webhook_subscriptions WHERE id = $1`, id).
		Scan(&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes, &sub.Active, &sub.Flagged, &sub.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.WebhookSubscription{}, errors.ErrNotFound
	}
	return sub, err
}

func (s *PostgresSubscriptionStore) ListActive(ctx context.Context) ([]domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_url, secret, event_types, active, flagged, created_at
		FROM webhook_subscriptions WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.WebhookSubscription
	for rows.Next() {
		var sub domain.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes,
			&sub.Active, &sub.Flagged, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresSubscriptionStore) SetFlagged(ctx context.Context, id string, flagged bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions SET flagged = $2 WHERE id = $1`, id, flagged)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

type PostgresDeliveryAttemptStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDeliveryAttemptStore(pool *pgxpool.Pool) *PostgresDeliveryAttemptStore {
	return &PostgresDeliveryAttemptStore{pool: pool}
}

func (s *PostgresDeliveryAttemptStore) Append(ctx context.Context, a domain.WebhookDeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_delivery_attempts
			(id, subscription_id, event_id, event_type, payload, signature, attempt, status_code, outcome, error, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SubscriptionID, a.EventID, a.EventType, a.Payload, a.Signature,
		a.Attempt, a.StatusCode, a.Outcome, a.Error, a.NextRetryAt, a.CreatedAt)
	return err
}

func (s *PostgresDeliveryAttemptStore) ListByEvent(ctx context.Context, subscriptionID, eventID string) ([]domain.WebhookDeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, event_id, event_type, payload, signature, attempt, status_code, outcome, error, next_retry_at, created_at
		FROM webhook_delivery_attempts
		WHERE subscription_id = $1 AND event_id = $2 ORDER BY attempt`, subscriptionID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *PostgresDeliveryAttemptStore) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, event_id, event_type, payload, signature, attempt, status_code, outcome, error, next_retry_at, created_at
		FROM webhook_delivery_attempts
		WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows pgx.Rows) ([]domain.WebhookDeliveryAttempt, error) {
	var attempts []domain.WebhookDeliveryAttempt
	for rows.Next() {
		var a domain.WebhookDeliveryAttempt
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.EventID, &a.EventType, &a.Payload,
			&a.Signature, &a.Attempt, &a.StatusCode, &a.Outcome, &a.Error,
			&a.NextRetryAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

type PostgresAuditStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAuditStore(pool *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{pool: pool}
}

func (s *PostgresAuditStore) Append(ctx context.Context, r AuditRecord) error {
	detail, err := marshalNullable(r.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, enrollment_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.EnrollmentID, r.Action, r.Actor, detail, r.CreatedAt)
	return err
}

func (s *PostgresAuditStore) ListByEnrollment(ctx context.Context, enrollmentID string) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, enrollment_id, action, actor, detail, created_at
		FROM audit_log WHERE enrollment_id = $1 ORDER BY created_at`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			r      AuditRecord
			detail []byte
		)
		if err := rows.Scan(&r.ID, &r.EnrollmentID, &r.Action, &r.Actor, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &r.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *domain.OCRResult:
		if val == nil {
			return nil, nil
		}
	case *domain.ConversionCache:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
