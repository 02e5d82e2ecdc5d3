package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
)

func TestRelayForwardsTranslatedMessages(t *testing.T) {
	r := router.NewMemory(logger.NewTestLogger())
	defer r.Close()

	relay := NewRelay("test", "results.spec.*", func(d router.Delivery) (string, []byte, bool) {
		return strings.Replace(d.Key, "results.spec", "jobs.render", 1), d.Payload, true
	}, r, logger.NewTestLogger())
	require.NoError(t, relay.Start(context.Background()))
	defer relay.Stop()

	out := &capture{}
	out.subscribe(t, r, "jobs.render.*")

	require.NoError(t, r.Publish(context.Background(), "results.spec.doc1", []byte("payload")))

	waitFor(t, func() bool { return out.count() == 1 })
	d := out.first()
	assert.Equal(t, "jobs.render.doc1", d.Key)
	assert.Equal(t, []byte("payload"), d.Payload)
}

func TestRelayDropsUntranslatableMessages(t *testing.T) {
	r := router.NewMemory(logger.NewTestLogger())
	defer r.Close()

	relay := NewRelay("test", "results.spec.*", func(d router.Delivery) (string, []byte, bool) {
		return "", nil, false
	}, r, logger.NewTestLogger())
	require.NoError(t, relay.Start(context.Background()))
	defer relay.Stop()

	out := &capture{}
	out.subscribe(t, r, "jobs.render.*")

	require.NoError(t, r.Publish(context.Background(), "results.spec.doc1", []byte("payload")))

	assert.Never(t, func() bool { return out.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
