package models

import (
	"time"
)

// ContentType 内容类型
type ContentType string

const (
	ContentTypePDF  ContentType = "application/pdf"
	ContentTypeHTML ContentType = "text/html"
	ContentTypeJSON ContentType = "application/json"
	ContentTypePNG  ContentType = "image/png"
)

// Extension returns the artifact file extension for a content type.
func (c ContentType) Extension() string {
	switch c {
	case ContentTypePDF:
		return "pdf"
	case ContentTypeHTML:
		return "html"
	case ContentTypeJSON:
		return "json"
	case ContentTypePNG:
		return "png"
	default:
		return "bin"
	}
}

// Document 文档元数据, created on submission and never mutated afterwards.
// Every downstream message references it by ID only.
type Document struct {
	ID             string      `json:"id"`
	Filename       string      `json:"filename"`
	SourceType     ContentType `json:"sourceType"`
	TargetType     ContentType `json:"targetType"`
	SourceLocation string      `json:"sourceLocation"`
	FileSize       int64       `json:"fileSize"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Page holds the per-page attributes produced by the page workers.
// Ordinal is 0-based, dense and contiguous within a document.
type Page struct {
	DocumentID    string   `json:"documentId"`
	Ordinal       int      `json:"ordinal"`
	ImageLocation string   `json:"imageLocation,omitempty"`
	Text          string   `json:"text,omitempty"`
	Regions       []Region `json:"regions,omitempty"`
}

// Region 页面区域, a detected block on a page with its pixel bounds.
type Region struct {
	Kind   string  `json:"kind"`
	Text   string  `json:"text,omitempty"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Folio is the aggregate of all pages of a document, ordered by ordinal.
// It is emitted at most once per document, and only after exactly
// PageCount distinct page results have been collected.
type Folio struct {
	DocumentID string `json:"documentId"`
	PageCount  int    `json:"pageCount"`
	Pages      []Page `json:"pages"`
}

// Spec is the format-agnostic intermediate representation derived from a
// folio. One spec per document. The node tree mirrors a TipTap document.
type Spec struct {
	DocumentID string     `json:"documentId"`
	Type       string     `json:"type"`
	Content    []SpecNode `json:"content"`
}

// SpecNode 规范节点
type SpecNode struct {
	Type    string                 `json:"type"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Content []SpecNode             `json:"content,omitempty"`
}
