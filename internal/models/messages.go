package models

import (
	"time"
)

// Stage names, one per pipeline hop. Routing keys embed these.
const (
	StagePageCount = "pagecount"
	StagePage      = "page"
	StageFolio     = "folio"
	StageSpec      = "spec"
	StageRender    = "render"
)

// JobMessage 任务消息. One job in, exactly one result or failure out.
// Ordinal is only meaningful for page-scoped stages; -1 otherwise.
type JobMessage struct {
	DocumentID     string      `json:"documentId"`
	Stage          string      `json:"stage"`
	Ordinal        int         `json:"ordinal"`
	InputLocation  string      `json:"inputLocation,omitempty"`
	SourceType     ContentType `json:"sourceType,omitempty"`
	TargetType     ContentType `json:"targetType,omitempty"`
	PageCount      int         `json:"pageCount,omitempty"`
	Attempt        int         `json:"attempt,omitempty"`
	SubmittedAt    time.Time   `json:"submittedAt"`
}

// ResultMessage 结果消息 published by a worker on success.
type ResultMessage struct {
	DocumentID     string      `json:"documentId"`
	Stage          string      `json:"stage"`
	Ordinal        int         `json:"ordinal"`
	PageCount      int         `json:"pageCount,omitempty"`
	Page           *Page       `json:"page,omitempty"`
	Folio          *Folio      `json:"folio,omitempty"`
	OutputLocation string      `json:"outputLocation,omitempty"`
	TargetType     ContentType `json:"targetType,omitempty"`
	WorkerInstance string      `json:"workerInstance,omitempty"`
	CompletedAt    time.Time   `json:"completedAt"`
}

// FailureMessage 失败消息 published after a worker exhausts its retries or
// a station gives up on a document. Never dropped silently.
type FailureMessage struct {
	DocumentID string    `json:"documentId"`
	Stage      string    `json:"stage"`
	Ordinal    int       `json:"ordinal"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

// SubmissionMessage announces a newly accepted document on documents.<id>.
type SubmissionMessage struct {
	Document Document `json:"document"`
}
