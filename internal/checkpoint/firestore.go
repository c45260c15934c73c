package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/fentz26/sift/internal/models"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sessionsCollection    = "sessions"
	checkpointsCollection = "checkpoints"
	pdrCollection         = "pdr"
)

// sessionDoc is the parent document holding the latest seq.
type sessionDoc struct {
	LatestSeq int64     `firestore:"latest_seq"`
	Status    string    `firestore:"status"`
	Query     string    `firestore:"query"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type checkpointDoc struct {
	ID        string    `firestore:"id"`
	SessionID string    `firestore:"session_id"`
	Seq       int64     `firestore:"seq"`
	Snapshot  string    `firestore:"snapshot"`
	CreatedAt time.Time `firestore:"created_at"`
}

// Firestore stores checkpoints under sessions/{id}/checkpoints/{seq}.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to Firestore in the given project.
func NewFirestore(ctx context.Context, projectID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close closes the Firestore client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) sessionRef(id string) *firestore.DocumentRef {
	return f.client.Collection(sessionsCollection).Doc(id)
}

func (f *Firestore) checkpointRef(id string, seq int64) *firestore.DocumentRef {
	return f.sessionRef(id).Collection(checkpointsCollection).Doc(seqKey(seq))
}

// seqKey zero-pads seq so document ids sort numerically.
func seqKey(seq int64) string {
	return fmt.Sprintf("%012d", seq)
}

// Save appends a snapshot, assigning seq in a transaction on the session document.
func (f *Firestore) Save(ctx context.Context, session *models.Session) (*models.Checkpoint, error) {
	data, err := encodeSnapshot(session)
	if err != nil {
		return nil, err
	}

	cp := &models.Checkpoint{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Snapshot:  session,
	}
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := f.sessionRef(session.ID)
		var sd sessionDoc
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&sd); err != nil {
				return err
			}
		}

		cp.Seq = sd.LatestSeq + 1
		cp.CreatedAt = time.Now().UTC()

		if err := tx.Set(f.checkpointRef(session.ID, cp.Seq), checkpointDoc{
			ID:        cp.ID,
			SessionID: cp.SessionID,
			Seq:       cp.Seq,
			Snapshot:  string(data),
			CreatedAt: cp.CreatedAt,
		}); err != nil {
			return err
		}
		return tx.Set(ref, sessionDoc{
			LatestSeq: cp.Seq,
			Status:    string(session.Status),
			Query:     session.Query,
			UpdatedAt: cp.CreatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp, nil
}

// Load returns the latest checkpoint for a session.
func (f *Firestore) Load(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	snap, err := f.sessionRef(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sd sessionDoc
	if err := snap.DataTo(&sd); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return f.loadSeq(ctx, sessionID, sd.LatestSeq)
}

func (f *Firestore) loadSeq(ctx context.Context, sessionID string, seq int64) (*models.Checkpoint, error) {
	snap, err := f.checkpointRef(sessionID, seq).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return toCheckpoint(snap)
}

// List returns the latest checkpoint of each session, newest first.
func (f *Firestore) List(ctx context.Context) ([]*models.Checkpoint, error) {
	iter := f.client.Collection(sessionsCollection).OrderBy("updated_at", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var out []*models.Checkpoint
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var sd sessionDoc
		if err := snap.DataTo(&sd); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		cp, err := f.loadSeq(ctx, snap.Ref.ID, sd.LatestSeq)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prune deletes old checkpoints, keeping the latest per session.
func (f *Firestore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	iter := f.client.CollectionGroup(checkpointsCollection).
		Where("created_at", "<", olderThan.UTC()).
		Documents(ctx)
	defer iter.Stop()

	latest := make(map[string]int64)
	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("query old checkpoints: %w", err)
		}
		var cd checkpointDoc
		if err := snap.DataTo(&cd); err != nil {
			return removed, fmt.Errorf("decode checkpoint: %w", err)
		}

		max, ok := latest[cd.SessionID]
		if !ok {
			sd, err := f.sessionRef(cd.SessionID).Get(ctx)
			if err != nil {
				return removed, fmt.Errorf("get session: %w", err)
			}
			var doc sessionDoc
			if err := sd.DataTo(&doc); err != nil {
				return removed, err
			}
			max = doc.LatestSeq
			latest[cd.SessionID] = max
		}
		if cd.Seq >= max {
			continue
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("delete checkpoint: %w", err)
		}
		removed++
	}
	return removed, nil
}

// WritePDR stores a Process Decision Record.
func (f *Firestore) WritePDR(ctx context.Context, pdr *models.PDREntry) error {
	_, err := f.client.Collection(pdrCollection).Doc(pdr.ID).Set(ctx, map[string]interface{}{
		"action":      pdr.Action,
		"inputs_hash": pdr.InputsHash,
		"outcome":     pdr.Outcome,
		"session_id":  pdr.SessionID,
		"task_id":     pdr.TaskID,
		"details":     pdr.Details,
		"timestamp":   pdr.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("store pdr: %w", err)
	}
	return nil
}

func toCheckpoint(snap *firestore.DocumentSnapshot) (*models.Checkpoint, error) {
	var cd checkpointDoc
	if err := snap.DataTo(&cd); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	session, err := decodeSnapshot([]byte(cd.Snapshot))
	if err != nil {
		return nil, err
	}
	if cd.Seq == 0 {
		cd.Seq, _ = strconv.ParseInt(snap.Ref.ID, 10, 64)
	}
	return &models.Checkpoint{
		ID:        cd.ID,
		SessionID: cd.SessionID,
		Seq:       cd.Seq,
		Snapshot:  session,
		CreatedAt: cd.CreatedAt,
	}, nil
}
