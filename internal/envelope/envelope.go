// Package envelope builds and verifies the signed evidence records that the
// pipeline submits to the ledger. The payload itself never leaves the
// process boundary; only its hash is embedded.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/medibridge/hms-backend/pkg/config"
	"github.com/medibridge/hms-backend/pkg/enums"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
)

// Envelope is an immutable, signed evidence record. Updating an event means
// building a new envelope with a new event type and timestamp.
type Envelope struct {
	Version     string            `json:"version"`
	EventType   enums.EventType   `json:"eventType"`
	Timestamp   time.Time         `json:"timestamp"`
	ActorID     string            `json:"actorId"`
	ActorRole   enums.ActorRole   `json:"actorRole"`
	EntityType  enums.EntityType  `json:"entityType"`
	EntityID    string            `json:"entityId"`
	DataHash    string            `json:"dataHash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Environment string            `json:"environment"`
	Signature   string            `json:"signature,omitempty"`
}

// IdempotencyKey returns the (entityType, entityId) pair as one string.
func (e *Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", e.EntityType, e.EntityID)
}

// CanonicalJSON returns the RFC 8785 canonical serialization of the full
// envelope, signature included. This is the form shipped to the ledger.
func (e *Envelope) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return jcs.Transform(raw)
}

// Signer holds the shared secret and deployment tag. It is the only way to
// produce or verify envelope signatures.
type Signer struct {
	secret      []byte
	version     string
	environment string
}

// NewSigner builds a signer from the envelope configuration.
func NewSigner(cfg config.EnvelopeConfig) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("envelope secret is required")
	}
	version := cfg.Version
	if version == "" {
		version = "1.0"
	}
	environment := cfg.Environment
	if environment == "" {
		environment = "dev"
	}
	return &Signer{
		secret:      []byte(cfg.Secret),
		version:     version,
		environment: environment,
	}, nil
}

// HashData returns the sha256 hex digest of the canonical JSON form of v.
// VerificationService uses the identical scheme so both sides agree bit-exact.
func (s *Signer) HashData(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize data: %w", err)
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the sha256 hex digest of raw bytes. Used for
// content-addressed blobs (uploaded documents) where no JSON form exists.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes the HMAC over the canonical envelope (signature
// field excluded) and compares it to the stored one in constant time.
func (s *Signer) VerifySignature(env *Envelope) bool {
	if env == nil || env.Signature == "" {
		return false
	}
	expected, err := s.sign(env)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(env.Signature))
}

// sign computes the HMAC over the canonical form with the signature field
// absent entirely, not empty. An independent verifier canonicalizing the
// unsigned field set must arrive at the same bytes.
func (s *Signer) sign(env *Envelope) (string, error) {
	unsigned := *env
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return "", fmt.Errorf("marshal unsigned envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize unsigned envelope: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Builder accumulates envelope fields. Zero-value fields found at Build time
// fail with a validation error, so callers cannot enqueue partial evidence.
type Builder struct {
	signer    *Signer
	eventType enums.EventType
	timestamp time.Time
	actorID   string
	actorRole enums.ActorRole
	entType   enums.EntityType
	entityID  string
	dataHash  string
	dataErr   error
	metadata  map[string]string
}

// NewEnvelope starts a builder bound to this signer.
func (s *Signer) NewEnvelope() *Builder {
	return &Builder{signer: s}
}

func (b *Builder) WithEventType(eventType enums.EventType) *Builder {
	b.eventType = eventType
	return b
}

func (b *Builder) WithActor(actorID string, role enums.ActorRole) *Builder {
	b.actorID = actorID
	b.actorRole = role
	return b
}

func (b *Builder) WithEntity(entityType enums.EntityType, entityID string) *Builder {
	b.entType = entityType
	b.entityID = entityID
	return b
}

// WithData hashes the supplied payload; the payload itself is discarded.
func (b *Builder) WithData(data any) *Builder {
	hash, err := b.signer.HashData(data)
	if err != nil {
		b.dataErr = err
		return b
	}
	b.dataHash = hash
	return b
}

// WithDataHash accepts a precomputed hex digest, e.g. for uploaded blobs.
func (b *Builder) WithDataHash(hash string) *Builder {
	b.dataHash = hash
	return b
}

func (b *Builder) WithMetadata(key, value string) *Builder {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
	return b
}

// WithTimestamp overrides the producer clock. Tests and replays only;
// omitted in normal flow.
func (b *Builder) WithTimestamp(ts time.Time) *Builder {
	b.timestamp = ts
	return b
}

// Build validates, signs, and returns the finished envelope.
func (b *Builder) Build() (*Envelope, error) {
	if b.dataErr != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, b.dataErr, "data could not be hashed")
	}

	missing := b.missingFields()
	if len(missing) > 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "envelope is missing required fields").
			WithDetails(map[string]any{"missing": missing})
	}
	if !b.eventType.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown event type %q", b.eventType))
	}
	if !b.entType.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown entity type %q", b.entType))
	}

	ts := b.timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var metadata map[string]string
	if len(b.metadata) > 0 {
		metadata = make(map[string]string, len(b.metadata))
		for k, v := range b.metadata {
			metadata[k] = v
		}
	}

	env := &Envelope{
		Version:     b.signer.version,
		EventType:   b.eventType,
		Timestamp:   ts,
		ActorID:     b.actorID,
		ActorRole:   b.actorRole,
		EntityType:  b.entType,
		EntityID:    b.entityID,
		DataHash:    b.dataHash,
		Metadata:    metadata,
		Environment: b.signer.environment,
	}

	signature, err := b.signer.sign(env)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "signing envelope")
	}
	env.Signature = signature
	return env, nil
}

func (b *Builder) missingFields() []string {
	var missing []string
	if b.eventType == "" {
		missing = append(missing, "eventType")
	}
	if b.actorID == "" {
		missing = append(missing, "actorId")
	}
	if b.actorRole == "" {
		missing = append(missing, "actorRole")
	}
	if b.entType == "" {
		missing = append(missing, "entityType")
	}
	if b.entityID == "" {
		missing = append(missing, "entityId")
	}
	if b.dataHash == "" {
		missing = append(missing, "dataHash")
	}
	return missing
}
