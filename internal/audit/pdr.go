// Package audit provides PDR (Process Decision Record) writing for sift.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/fentz26/sift/internal/models"
	"github.com/google/uuid"
)

// Actions recorded by the orchestrator.
const (
	ActionSessionStart  = "session.start"
	ActionSessionFinish = "session.finish"
	ActionTaskDispatch  = "task.dispatch"
	ActionTaskFinish    = "task.finish"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, pdr *models.PDREntry) error
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer. A nil sink disables recording.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating action. Write failures are
// logged and the entry is still returned.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, sessionID, taskID, details string) *models.PDREntry {
	entry := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		SessionID:  sessionID,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if w == nil || w.sink == nil {
		return entry
	}
	if err := w.sink.WritePDR(ctx, entry); err != nil {
		log.Printf("Failed to write PDR %s for session %s: %v", action, sessionID, err)
	}
	return entry
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
