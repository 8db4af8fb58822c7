// Package ingest accepts raw inbound messages: dedupe by Message-ID or content
// hash, archive the raw bytes, and create the pending job.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/store"
)

// Result reports the job for the message and whether it already existed.
type Result struct {
	Job       models.Job `json:"job"`
	Duplicate bool       `json:"duplicate"`
}

type Service struct {
	store store.Store
	blobs blob.Store
	now   func() time.Time
}

func New(st store.Store, blobs blob.Store) *Service {
	return &Service{store: st, blobs: blobs, now: time.Now}
}

// ContentHash is the dedupe key of the raw bytes.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Accept stores a parsed message. Repeats return the existing job untouched.
func (s *Service) Accept(ctx context.Context, raw []byte, art *orchestrator.Artifacts, actor string) (Result, error) {
	if len(raw) == 0 || art == nil {
		return Result{}, eris.Wrap(store.ErrInvalidInput, "empty message")
	}
	hash := ContentHash(raw)
	existing, found, err := s.store.FindJobByMessage(ctx, art.MessageID, hash)
	if err != nil {
		return Result{}, err
	}
	if found {
		return Result{Job: existing, Duplicate: true}, nil
	}

	key := fmt.Sprintf("raw/%s/%s.eml", s.now().UTC().Format("2006/01/02"), uuid.NewString())
	uri, err := s.blobs.Upload(ctx, key, raw, "message/rfc822")
	if err != nil {
		return Result{}, eris.Wrap(err, "store raw message")
	}
	job, duplicate, err := s.store.CreateJob(ctx, store.CreateJobParams{
		MessageID:   art.MessageID,
		Sender:      art.Sender,
		Subject:     art.Subject,
		RawURI:      uri,
		ContentHash: hash,
		Actor:       actor,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Job: job, Duplicate: duplicate}, nil
}
