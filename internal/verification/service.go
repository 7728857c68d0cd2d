// Package verification checks current entity data against the evidence
// recorded on the ledger. A mismatch means the local record changed after
// its hash was attested.
package verification

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/medibridge/hms-backend/internal/envelope"
	"github.com/medibridge/hms-backend/internal/idempotency"
	"github.com/medibridge/hms-backend/pkg/db/models"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

// Result is the outcome of one integrity check. A false IsValid with a
// Reason is a finding, not an error.
type Result struct {
	IsValid        bool   `json:"isValid"`
	CurrentHash    string `json:"currentHash"`
	TransactionRef string `json:"transactionRef,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type referenceStore interface {
	FindLatestByEntity(ctx context.Context, entityType enums.EntityType, entityID string) (*models.LedgerSubmission, error)
}

// Service recomputes entity hashes and compares them against recorded
// ledger submissions. The locally stored reference is trusted; confirming
// it against the ledger itself is out of reach from here.
type Service struct {
	signer *envelope.Signer
	cache  *idempotency.Cache
	store  referenceStore
	logg   *logger.Logger
}

func NewService(signer *envelope.Signer, cache *idempotency.Cache, store referenceStore, logg *logger.Logger) (*Service, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if cache == nil {
		return nil, errors.New("idempotency cache is required")
	}
	if store == nil {
		return nil, errors.New("reference store is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{signer: signer, cache: cache, store: store, logg: logg}, nil
}

// Verify hashes currentData with the same scheme the envelope builder uses
// and compares it to the most recent attested hash for the entity.
func (s *Service) Verify(ctx context.Context, entityType enums.EntityType, entityID string, currentData any) (*Result, error) {
	if !entityType.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if entityID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "entity id is required")
	}

	currentHash, err := s.signer.HashData(currentData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "hashing current data")
	}

	logCtx := s.logg.WithEntity(ctx, string(entityType), entityID)

	cachedRef, cacheHit := s.cache.Get(logCtx, s.cache.SubmissionKey(entityType, entityID))

	sub, err := s.store.FindLatestByEntity(logCtx, entityType, entityID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "loading ledger submission")
		}
		if cacheHit {
			return &Result{
				CurrentHash:    currentHash,
				TransactionRef: cachedRef,
				Reason:         "ledger reference cached but submission record missing",
			}, nil
		}
		return &Result{
			CurrentHash: currentHash,
			Reason:      "no ledger evidence recorded for entity",
		}, nil
	}

	ref := sub.TransactionRef
	if cacheHit {
		ref = cachedRef
	}

	if currentHash != sub.DataHash {
		s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
			"current_hash":  currentHash,
			"recorded_hash": sub.DataHash,
		}), "entity data diverged from ledger evidence")
		return &Result{
			CurrentHash:    currentHash,
			TransactionRef: ref,
			Reason:         fmt.Sprintf("hash mismatch: current %s, recorded %s", currentHash, sub.DataHash),
		}, nil
	}

	return &Result{
		IsValid:        true,
		CurrentHash:    currentHash,
		TransactionRef: ref,
	}, nil
}
