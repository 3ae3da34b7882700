package pipeline

import (
	"errors"

	"github.com/kalambet/vidnote/internal/storage"
)

var (
	// ErrParse means the link could not be resolved to media.
	ErrParse = errors.New("parse failed")
	// ErrPersistence means the note could not be stored after one retry.
	ErrPersistence = errors.New("persisting note failed")
	// ErrRender means the note could not be turned into a document.
	ErrRender = errors.New("rendering note failed")
	// ErrDelivery means the document could not be sent to the conversation.
	ErrDelivery = errors.New("delivering note failed")
	// ErrInternal covers failures that are not attributable to a collaborator.
	ErrInternal = errors.New("internal pipeline error")
)

// Stage is a job's position in the pipeline.
type Stage string

const (
	StageParsing    Stage = "PARSING"
	StageTranscribe Stage = "STAGE1"
	StageCritique   Stage = "STAGE2"
	StageSynthesize Stage = "STAGE3"
	StagePersisting Stage = "PERSISTING"
	StageDelivering Stage = "DELIVERING"
	StageDone       Stage = "DONE"
	StageFailed     Stage = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// Outcome is the terminal state of one job.
type Outcome struct {
	JobID string
	Stage Stage // StageDone or StageFailed
	// FailedAt is the stage that was running when the job failed.
	FailedAt Stage
	Err      error
	Note     *storage.Note
	// DeliveryErr is set when the note was stored but not delivered.
	DeliveryErr error
}
