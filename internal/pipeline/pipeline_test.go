package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/internal/pipeline/notifier"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
	"github.com/nlfolio/converter/pkg/storage/memory"
)

func testPipeline(t *testing.T, joinTimeout time.Duration) (*Pipeline, *router.Memory, *memory.MemoryStore) {
	t.Helper()
	r := router.NewMemory(logger.NewTestLogger())
	store := memory.NewMemoryStore()
	p := New(Config{
		WorkerRetries:   2,
		RetryBaseDelay:  time.Millisecond,
		Concurrency:     4,
		JoinTimeout:     joinTimeout,
		TombstoneWindow: time.Minute,
		Instance:        "test",
	}, r, store, logger.NewTestLogger())
	t.Cleanup(func() { r.Close() })
	return p, r, store
}

type capture struct {
	ch chan router.Delivery
}

func subscribe(t *testing.T, r *router.Memory, pattern string) *capture {
	t.Helper()
	c := &capture{ch: make(chan router.Delivery, 64)}
	_, err := r.Subscribe(context.Background(), pattern, func(ctx context.Context, d router.Delivery) error {
		c.ch <- d
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *capture) next(t *testing.T) router.Delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery in time")
		return router.Delivery{}
	}
}

func TestExtractPageCount(t *testing.T) {
	n, ok := extractPageCount(models.ResultMessage{Stage: models.StagePageCount, PageCount: 12})
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	_, ok = extractPageCount(models.ResultMessage{Stage: models.StagePage, PageCount: 12})
	assert.False(t, ok)

	_, ok = extractPageCount(models.ResultMessage{Stage: models.StagePageCount, PageCount: -1})
	assert.False(t, ok)
}

func TestFanOutPages(t *testing.T) {
	p, r, _ := testPipeline(t, time.Minute)
	jobs := subscribe(t, r, models.JobsPattern(models.StagePage))

	cardMsg := models.ResultMessage{
		DocumentID:     "doc1",
		Stage:          models.StagePageCount,
		PageCount:      3,
		OutputLocation: "doc1/source.pdf",
		TargetType:     models.ContentTypeHTML,
	}
	require.NoError(t, p.fanOutPages(context.Background(), "doc1", cardMsg))

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		d := jobs.next(t)
		var job models.JobMessage
		require.NoError(t, json.Unmarshal(d.Payload, &job))
		assert.Equal(t, "doc1", job.DocumentID)
		assert.Equal(t, models.StagePage, job.Stage)
		assert.Equal(t, "doc1/source.pdf", job.InputLocation)
		assert.Equal(t, models.ContentTypeHTML, job.TargetType)
		assert.Equal(t, 3, job.PageCount)
		assert.Equal(t, models.JobKey(models.StagePage, "doc1", job.Ordinal), d.Key)
		seen[job.Ordinal] = true
	}
	assert.Len(t, seen, 3)
}

func TestCompleteFolioStoresAndAdvances(t *testing.T) {
	p, r, store := testPipeline(t, time.Minute)
	results := subscribe(t, r, models.ResultsPattern(models.StageFolio))
	jobs := subscribe(t, r, models.JobsPattern(models.StageSpec))

	cardMsg := models.ResultMessage{
		DocumentID: "doc1",
		Stage:      models.StagePageCount,
		PageCount:  2,
		TargetType: models.ContentTypeHTML,
	}
	children := []models.ResultMessage{
		{DocumentID: "doc1", Ordinal: 0, Page: &models.Page{DocumentID: "doc1", Ordinal: 0, Text: "one"}},
		{DocumentID: "doc1", Ordinal: 1, Page: &models.Page{DocumentID: "doc1", Ordinal: 1, Text: "two"}},
	}
	require.NoError(t, p.completeFolio(context.Background(), "doc1", cardMsg, children))

	reader, err := store.Get(context.Background(), models.FolioKey("doc1"))
	require.NoError(t, err)
	raw, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)

	var folio models.Folio
	require.NoError(t, json.Unmarshal(raw, &folio))
	assert.Equal(t, 2, folio.PageCount)
	require.Len(t, folio.Pages, 2)
	assert.Equal(t, "one", folio.Pages[0].Text)

	var result models.ResultMessage
	require.NoError(t, json.Unmarshal(results.next(t).Payload, &result))
	assert.Equal(t, models.StageFolio, result.Stage)
	assert.Equal(t, models.FolioKey("doc1"), result.OutputLocation)

	var job models.JobMessage
	require.NoError(t, json.Unmarshal(jobs.next(t).Payload, &job))
	assert.Equal(t, models.StageSpec, job.Stage)
	assert.Equal(t, models.FolioKey("doc1"), job.InputLocation)
	assert.Equal(t, models.ContentTypeHTML, job.TargetType)
}

func TestCompleteFolioRejectsChildWithoutPage(t *testing.T) {
	p, _, _ := testPipeline(t, time.Minute)

	err := p.completeFolio(context.Background(), "doc1",
		models.ResultMessage{DocumentID: "doc1", PageCount: 1},
		[]models.ResultMessage{{DocumentID: "doc1", Ordinal: 0}},
	)
	assert.Error(t, err)
}

func TestFailDocumentEscalates(t *testing.T) {
	p, r, _ := testPipeline(t, time.Minute)
	failures := subscribe(t, r, models.FailuresPattern(models.StageFolio))

	require.NoError(t, p.failDocument(context.Background(), "doc1", assert.AnError))

	var msg models.FailureMessage
	require.NoError(t, json.Unmarshal(failures.next(t).Payload, &msg))
	assert.Equal(t, "doc1", msg.DocumentID)
	assert.Equal(t, models.StageFolio, msg.Stage)
	assert.Contains(t, msg.Reason, assert.AnError.Error())
}

func TestTranslateSpecResult(t *testing.T) {
	result := models.ResultMessage{
		DocumentID:     "doc1",
		Stage:          models.StageSpec,
		Ordinal:        -1,
		OutputLocation: models.SpecKey("doc1"),
		TargetType:     models.ContentTypeHTML,
	}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	key, out, ok := translateSpecResult(router.Delivery{Key: "results.spec.doc1", Payload: payload})
	require.True(t, ok)
	assert.Equal(t, "jobs.render.doc1", key)

	var job models.JobMessage
	require.NoError(t, json.Unmarshal(out, &job))
	assert.Equal(t, models.StageRender, job.Stage)
	assert.Equal(t, models.SpecKey("doc1"), job.InputLocation)
	assert.Equal(t, models.ContentTypeHTML, job.TargetType)

	_, _, ok = translateSpecResult(router.Delivery{Key: "results.spec.doc1", Payload: []byte("{bad")})
	assert.False(t, ok)
}

// startStages brings up the join station, the relay and the named workers,
// leaving the rest of the pipeline detached so tests can stand in for them.
func startStages(t *testing.T, p *Pipeline, stages ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.folio.Start(ctx))
	require.NoError(t, p.relay.Start(ctx))
	wanted := map[string]bool{}
	for _, s := range stages {
		wanted[s] = true
	}
	for _, w := range p.workers {
		if wanted[w.Stage()] {
			require.NoError(t, w.Start(ctx))
		}
	}
	t.Cleanup(func() { p.Stop() })
}

func publishResult(t *testing.T, r *router.Memory, msg models.ResultMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.ResultKey(msg.Stage, msg.DocumentID, msg.Ordinal), payload))
}

func TestConversionFlowEndToEnd(t *testing.T) {
	p, r, store := testPipeline(t, time.Minute)
	startStages(t, p, models.StageSpec, models.StageRender)

	n := notifier.New(r, notifier.NewMemoryLog(), logger.NewTestLogger())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })

	events, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	// The page-count stage reports three pages; page results arrive
	// scrambled with a duplicate, standing in for the page workers.
	publishResult(t, r, models.ResultMessage{
		DocumentID:     "doc1",
		Stage:          models.StagePageCount,
		Ordinal:        -1,
		PageCount:      3,
		OutputLocation: "doc1/source.pdf",
		TargetType:     models.ContentTypeHTML,
	})
	for _, ordinal := range []int{2, 0, 2, 1} {
		publishResult(t, r, models.ResultMessage{
			DocumentID: "doc1",
			Stage:      models.StagePage,
			Ordinal:    ordinal,
			Page: &models.Page{
				DocumentID: "doc1",
				Ordinal:    ordinal,
				Regions:    []models.Region{{Kind: "line", Text: "text"}},
			},
		})
	}

	var done *models.ConversionEvent
	timeout := time.After(5 * time.Second)
	var lastSeq int64
	for done == nil {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed without a terminal event")
			assert.Greater(t, ev.Seq, lastSeq)
			lastSeq = ev.Seq
			require.NotEqual(t, models.EventError, ev.Type)
			if ev.Type == models.EventDone {
				done = &ev
			}
		case <-timeout:
			t.Fatal("conversion did not finish in time")
		}
	}

	assert.Equal(t, models.ArtifactKey("doc1", models.ContentTypeHTML), done.Location)

	reader, err := store.Get(context.Background(), done.Location)
	require.NoError(t, err)
	raw, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	html := string(raw)
	assert.Contains(t, html, "<h2>Page 1</h2>")
	assert.Contains(t, html, "<h2>Page 3</h2>")
}

func TestConversionFlowChildFailure(t *testing.T) {
	p, r, _ := testPipeline(t, time.Minute)
	startStages(t, p)

	n := notifier.New(r, notifier.NewMemoryLog(), logger.NewTestLogger())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })

	events, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishResult(t, r, models.ResultMessage{
		DocumentID: "doc1",
		Stage:      models.StagePageCount,
		Ordinal:    -1,
		PageCount:  2,
	})
	failure := models.FailureMessage{
		DocumentID: "doc1",
		Stage:      models.StagePage,
		Ordinal:    1,
		Reason:     "page exploded",
	}
	payload, err := json.Marshal(failure)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), models.FailureKey(models.StagePage, "doc1", 1), payload))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed without a terminal event")
			if ev.Type == models.EventError {
				assert.Contains(t, ev.Detail, "page exploded")
				return
			}
			require.NotEqual(t, models.EventDone, ev.Type)
		case <-timeout:
			t.Fatal("failure did not propagate in time")
		}
	}
}

func TestConversionFlowJoinTimeout(t *testing.T) {
	p, r, _ := testPipeline(t, 100*time.Millisecond)
	startStages(t, p)

	n := notifier.New(r, notifier.NewMemoryLog(), logger.NewTestLogger())
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })

	events, cancel, err := n.Subscribe(context.Background(), "doc1")
	require.NoError(t, err)
	defer cancel()

	publishResult(t, r, models.ResultMessage{
		DocumentID: "doc1",
		Stage:      models.StagePageCount,
		Ordinal:    -1,
		PageCount:  3,
	})
	publishResult(t, r, models.ResultMessage{
		DocumentID: "doc1",
		Stage:      models.StagePage,
		Ordinal:    0,
		Page:       &models.Page{DocumentID: "doc1", Ordinal: 0},
	})

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed without a terminal event")
			if ev.Type == models.EventError {
				assert.Contains(t, ev.Detail, "timed out")
				return
			}
		case <-timeout:
			t.Fatal("timeout did not propagate in time")
		}
	}
}
