package verification

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/internal/envelope"
	"github.com/medibridge/hms-backend/internal/idempotency"
	"github.com/medibridge/hms-backend/pkg/config"
	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("key %s missing", key)
	}
	return value, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = fmt.Sprintf("%v", value)
	return nil
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("mb:idempotency:%s:%s", scope, id)
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

type fakeReferenceStore struct {
	subs map[string]*models.LedgerSubmission
	err  error
}

func (f *fakeReferenceStore) FindLatestByEntity(ctx context.Context, entityType enums.EntityType, entityID string) (*models.LedgerSubmission, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[fmt.Sprintf("%s:%s", entityType, entityID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

type verifyFixture struct {
	service *Service
	signer  *envelope.Signer
	store   *fakeStore
	refs    *fakeReferenceStore
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "verification-test", Output: io.Discard})
	signer, err := envelope.NewSigner(config.EnvelopeConfig{Secret: "test-secret"})
	require.NoError(t, err)

	store := newFakeStore()
	cache, err := idempotency.NewCache(store, logg)
	require.NoError(t, err)

	refs := &fakeReferenceStore{subs: make(map[string]*models.LedgerSubmission)}
	service, err := NewService(signer, cache, refs, logg)
	require.NoError(t, err)

	return &verifyFixture{service: service, signer: signer, store: store, refs: refs}
}

func (f *verifyFixture) recordSubmission(t *testing.T, entityType enums.EntityType, entityID string, data any, ref string) {
	t.Helper()
	hash, err := f.signer.HashData(data)
	require.NoError(t, err)
	f.refs.subs[fmt.Sprintf("%s:%s", entityType, entityID)] = &models.LedgerSubmission{
		EntityType:     entityType,
		EntityID:       entityID,
		EventType:      enums.EventConsultationCreated,
		DataHash:       hash,
		TransactionRef: ref,
	}
}

func TestVerifyMatchingData(t *testing.T) {
	f := newVerifyFixture(t)
	data := map[string]string{"diagnosis": "Malaria"}
	f.recordSubmission(t, enums.EntityConsultation, "55", data, "tx-ref")

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", data)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "tx-ref", result.TransactionRef)
	assert.NotEmpty(t, result.CurrentHash)
	assert.Empty(t, result.Reason)
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newVerifyFixture(t)
	data := map[string]string{"diagnosis": "Malaria"}
	f.recordSubmission(t, enums.EntityConsultation, "55", data, "tx-ref")

	first, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", data)
	require.NoError(t, err)
	second, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifyKeyOrderIndependence(t *testing.T) {
	f := newVerifyFixture(t)
	f.recordSubmission(t, enums.EntityConsultation, "55", map[string]any{"a": 1, "b": "two"}, "tx-ref")

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", map[string]any{"b": "two", "a": 1})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestVerifyDetectsMutation(t *testing.T) {
	f := newVerifyFixture(t)
	f.recordSubmission(t, enums.EntityConsultation, "55", map[string]string{"diagnosis": "Malaria"}, "tx-ref")

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", map[string]string{"diagnosis": "Typhoid"})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "tx-ref", result.TransactionRef)
	assert.Contains(t, result.Reason, "hash mismatch")
	assert.Contains(t, result.Reason, result.CurrentHash)
}

func TestVerifyWithoutRecordedEvidence(t *testing.T) {
	f := newVerifyFixture(t)

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", map[string]string{"diagnosis": "Malaria"})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Empty(t, result.TransactionRef)
	assert.Contains(t, result.Reason, "no ledger evidence")
}

func TestVerifyCachedReferenceWithoutStoredRow(t *testing.T) {
	f := newVerifyFixture(t)
	f.store.values["mb:idempotency:submission:consultation:55"] = "cached-ref"

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", map[string]string{"diagnosis": "Malaria"})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "cached-ref", result.TransactionRef)
	assert.Contains(t, result.Reason, "submission record missing")
}

func TestVerifyPrefersCachedReference(t *testing.T) {
	f := newVerifyFixture(t)
	data := map[string]string{"diagnosis": "Malaria"}
	f.recordSubmission(t, enums.EntityConsultation, "55", data, "stored-ref")
	f.store.values["mb:idempotency:submission:consultation:55"] = "cached-ref"

	result, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", data)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "cached-ref", result.TransactionRef)
}

func TestVerifyValidatesInput(t *testing.T) {
	f := newVerifyFixture(t)

	_, err := f.service.Verify(context.Background(), "spaceship", "55", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	_, err = f.service.Verify(context.Background(), enums.EntityConsultation, "", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestVerifyPropagatesStoreFailure(t *testing.T) {
	f := newVerifyFixture(t)
	f.refs.err = fmt.Errorf("connection refused")

	_, err := f.service.Verify(context.Background(), enums.EntityConsultation, "55", map[string]string{"diagnosis": "Malaria"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDependency))
}
