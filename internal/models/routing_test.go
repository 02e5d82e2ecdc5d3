package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKeyBuilders(t *testing.T) {
	assert.Equal(t, "documents.doc1", SubmissionKey("doc1"))
	assert.Equal(t, "jobs.pagecount.doc1", JobKey(StagePageCount, "doc1", -1))
	assert.Equal(t, "jobs.page.doc1.page.4", JobKey(StagePage, "doc1", 4))
	assert.Equal(t, "results.page.doc1.page.0", ResultKey(StagePage, "doc1", 0))
	assert.Equal(t, "failures.render.doc1", FailureKey(StageRender, "doc1", -1))
}

func TestParseRoutingKey(t *testing.T) {
	tests := []struct {
		key  string
		want RoutingKey
	}{
		{"documents.doc1", RoutingKey{Class: ClassDocuments, DocumentID: "doc1", Ordinal: -1}},
		{"jobs.pagecount.doc1", RoutingKey{Class: ClassJobs, Stage: StagePageCount, DocumentID: "doc1", Ordinal: -1}},
		{"results.page.doc1.page.7", RoutingKey{Class: ClassResults, Stage: StagePage, DocumentID: "doc1", Ordinal: 7}},
		{"failures.page.doc1.page.0", RoutingKey{Class: ClassFailures, Stage: StagePage, DocumentID: "doc1", Ordinal: 0}},
	}

	for _, tt := range tests {
		got, err := ParseRoutingKey(tt.key)
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, got, tt.key)
	}
}

func TestParseRoutingKeyRoundTrip(t *testing.T) {
	keys := []string{
		JobKey(StagePage, "doc1", 3),
		ResultKey(StageFolio, "doc1", -1),
		FailureKey(StageSpec, "doc1", -1),
		SubmissionKey("doc1"),
	}
	for _, key := range keys {
		_, err := ParseRoutingKey(key)
		assert.NoError(t, err, key)
	}
}

func TestParseRoutingKeyRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"documents",
		"documents.doc1.extra",
		"jobs.page",
		"jobs.page.doc1.page",
		"jobs.page.doc1.page.-1",
		"jobs.page.doc1.page.x",
		"jobs.page.doc1.slice.3",
		"unknown.page.doc1",
	}
	for _, key := range bad {
		_, err := ParseRoutingKey(key)
		assert.Error(t, err, key)
	}
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "doc1.html", ArtifactKey("doc1", ContentTypeHTML))
	assert.Equal(t, "doc1/source.pdf", SourceKey("doc1", ContentTypePDF))
	assert.Equal(t, "doc1/pages/3.png", PageImageKey("doc1", 3))
	assert.Equal(t, "doc1/folio.json", FolioKey("doc1"))
	assert.Equal(t, "doc1/spec.json", SpecKey("doc1"))
}
