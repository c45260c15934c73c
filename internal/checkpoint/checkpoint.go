// Package checkpoint provides durable, append-only snapshots of research
// sessions.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/sift/internal/models"
)

// ErrNotFound is returned when a session has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists session snapshots. Seq is assigned by the store and is
// strictly increasing per session.
type Store interface {
	Save(ctx context.Context, session *models.Session) (*models.Checkpoint, error)
	// Load returns the latest checkpoint for a session.
	Load(ctx context.Context, sessionID string) (*models.Checkpoint, error)
	// List returns the latest checkpoint of every session, newest first.
	List(ctx context.Context) ([]*models.Checkpoint, error)
	// Prune deletes checkpoints created before olderThan, keeping the
	// latest per session. It returns the number removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Firestore)(nil)
)

func encodeSnapshot(session *models.Session) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
