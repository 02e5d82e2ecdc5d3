package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Routing key scheme. One canonical naming for every message class:
//
//	documents.<documentId>                    submission announcement
//	jobs.<stage>.<documentId>                 whole-document job
//	jobs.<stage>.<documentId>.page.<ordinal>  per-page job
//	results.<stage>.<documentId>[.page.<n>]   worker results
//	failures.<stage>.<documentId>[.page.<n>]  escalated failures
//
// Page results always live under results.<stage>; there is no second
// naming scheme for page-level results.
const (
	ClassDocuments = "documents"
	ClassJobs      = "jobs"
	ClassResults   = "results"
	ClassFailures  = "failures"

	pageSegment = "page"
)

// RoutingKey is a parsed hierarchical routing key.
type RoutingKey struct {
	Class      string
	Stage      string
	DocumentID string
	Ordinal    int // -1 for whole-document keys
}

// SubmissionKey returns documents.<docId>.
func SubmissionKey(docID string) string {
	return ClassDocuments + "." + docID
}

// JobKey returns jobs.<stage>.<docId>, or the page form when ordinal >= 0.
func JobKey(stage, docID string, ordinal int) string {
	return buildKey(ClassJobs, stage, docID, ordinal)
}

// ResultKey returns results.<stage>.<docId>, or the page form when ordinal >= 0.
func ResultKey(stage, docID string, ordinal int) string {
	return buildKey(ClassResults, stage, docID, ordinal)
}

// FailureKey returns failures.<stage>.<docId>, or the page form when ordinal >= 0.
func FailureKey(stage, docID string, ordinal int) string {
	return buildKey(ClassFailures, stage, docID, ordinal)
}

func buildKey(class, stage, docID string, ordinal int) string {
	if ordinal >= 0 {
		return fmt.Sprintf("%s.%s.%s.%s.%d", class, stage, docID, pageSegment, ordinal)
	}
	return fmt.Sprintf("%s.%s.%s", class, stage, docID)
}

// Subscription patterns per stage.
func JobsPattern(stage string) string     { return ClassJobs + "." + stage + ".#" }
func ResultsPattern(stage string) string  { return ClassResults + "." + stage + ".#" }
func FailuresPattern(stage string) string { return ClassFailures + "." + stage + ".#" }

const (
	SubmissionsPattern = ClassDocuments + ".*"
	AllResultsPattern  = ClassResults + ".#"
	AllFailuresPattern = ClassFailures + ".#"
)

// ParseRoutingKey decodes a routing key built by this package.
func ParseRoutingKey(key string) (RoutingKey, error) {
	segs := strings.Split(key, ".")
	if len(segs) < 2 {
		return RoutingKey{}, fmt.Errorf("malformed routing key %q", key)
	}

	if segs[0] == ClassDocuments {
		if len(segs) != 2 {
			return RoutingKey{}, fmt.Errorf("malformed document key %q", key)
		}
		return RoutingKey{Class: ClassDocuments, DocumentID: segs[1], Ordinal: -1}, nil
	}

	if len(segs) < 3 {
		return RoutingKey{}, fmt.Errorf("malformed routing key %q", key)
	}

	rk := RoutingKey{Class: segs[0], Stage: segs[1], DocumentID: segs[2], Ordinal: -1}
	switch rk.Class {
	case ClassJobs, ClassResults, ClassFailures:
	default:
		return RoutingKey{}, fmt.Errorf("unknown routing key class %q", segs[0])
	}

	switch len(segs) {
	case 3:
		return rk, nil
	case 5:
		if segs[3] != pageSegment {
			return RoutingKey{}, fmt.Errorf("unknown subresource %q in key %q", segs[3], key)
		}
		n, err := strconv.Atoi(segs[4])
		if err != nil || n < 0 {
			return RoutingKey{}, fmt.Errorf("bad page ordinal in key %q", key)
		}
		rk.Ordinal = n
		return rk, nil
	default:
		return RoutingKey{}, fmt.Errorf("malformed routing key %q", key)
	}
}

// ArtifactKey returns the deterministic object key for a document's final
// output, <docId>.<targetExtension>. Retried renders overwrite in place.
func ArtifactKey(docID string, target ContentType) string {
	return docID + "." + target.Extension()
}

// SourceKey returns the object key for the uploaded source.
func SourceKey(docID string, source ContentType) string {
	return docID + "/source." + source.Extension()
}

// PageImageKey returns the object key for a rasterized page.
func PageImageKey(docID string, ordinal int) string {
	return fmt.Sprintf("%s/pages/%d.png", docID, ordinal)
}

// FolioKey returns the object key for the aggregated folio document.
func FolioKey(docID string) string {
	return docID + "/folio.json"
}

// SpecKey returns the object key for the intermediate spec document.
func SpecKey(docID string) string {
	return docID + "/spec.json"
}
