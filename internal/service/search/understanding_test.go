package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	answer string
	err    error
	calls  int
	last   provider.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req provider.Request) (string, error) {
	g.calls++
	g.last = req
	return g.answer, g.err
}

const taxPlanAnswer = `Here you go:
{"intent":"retrieve","timeRange":{"start":"2016-01-01","end":"2018-12-31"},"documentTypes":["tax document","financial statement"],"entities":{"dates":["2016","2017","2018"],"amounts":[],"names":[],"locations":[]},"keywords":["tax"]}`

func TestParseTaxDocumentsTimeRange(t *testing.T) {
	gen := &scriptedGenerator{answer: taxPlanAnswer}
	u := NewUnderstanding(gen, 0, logging.Discard())

	plan := u.Parse(context.Background(), "tax documents from 2016-2018")
	assert.Equal(t, models.IntentRetrieve, plan.Intent)
	require.NotNil(t, plan.TimeRange)
	require.NotNil(t, plan.TimeRange.Start)
	require.NotNil(t, plan.TimeRange.End)
	assert.Equal(t, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), *plan.TimeRange.Start)
	assert.Equal(t, time.Date(2018, 12, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC), *plan.TimeRange.End)
	assert.Equal(t, []string{"tax document", "financial statement"}, plan.DocumentTypes)
	assert.Equal(t, []string{"tax"}, plan.Keywords)

	assert.False(t, plan.TimeRange.Contains(time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, plan.TimeRange.Contains(time.Date(2018, 12, 31, 18, 0, 0, 0, time.UTC)))
	assert.Contains(t, gen.last.User, "tax documents from 2016-2018")
}

func TestParseFallsBackOnMalformedOutput(t *testing.T) {
	gen := &scriptedGenerator{answer: "I am not sure what you mean."}
	plan := NewUnderstanding(gen, 0, logging.Discard()).Parse(context.Background(), "Find the Johnson lease contract")

	assert.Equal(t, models.IntentRetrieve, plan.Intent)
	assert.Nil(t, plan.TimeRange)
	assert.Empty(t, plan.DocumentTypes)
	assert.Equal(t, []string{"find", "johnson", "lease", "contract"}, plan.Keywords)
}

func TestParseFallsBackOnProviderError(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("timeout")}
	plan := NewUnderstanding(gen, 0, logging.Discard()).Parse(context.Background(), "get all invoices")
	assert.Equal(t, []string{"invoices"}, plan.Keywords)
}

func TestParseCachesSuccessfulPlans(t *testing.T) {
	gen := &scriptedGenerator{answer: taxPlanAnswer}
	u := NewUnderstanding(gen, 4, logging.Discard())
	ctx := context.Background()

	first := u.Parse(ctx, "tax documents from 2016-2018")
	second := u.Parse(ctx, "tax documents from 2016-2018")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, gen.calls)

	failing := &scriptedGenerator{answer: "nope"}
	u = NewUnderstanding(failing, 4, logging.Discard())
	u.Parse(ctx, "receipts")
	u.Parse(ctx, "receipts")
	assert.Equal(t, 2, failing.calls)
}

func TestParseCacheDoesNotOutliveTheDay(t *testing.T) {
	gen := &scriptedGenerator{answer: `{"intent":"retrieve","timeRange":{"start":"2026-10-14","end":"2026-10-14"},"keywords":["receipts"]}`}
	u := NewUnderstanding(gen, 4, logging.Discard())
	today := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return today }
	ctx := context.Background()

	u.Parse(ctx, "receipts from yesterday")
	u.Parse(ctx, "receipts from yesterday")
	require.Equal(t, 1, gen.calls)

	today = today.Add(24 * time.Hour)
	gen.answer = `{"intent":"retrieve","timeRange":{"start":"2026-10-15","end":"2026-10-15"},"keywords":["receipts"]}`
	plan := u.Parse(ctx, "receipts from yesterday")
	assert.Equal(t, 2, gen.calls)
	assert.Contains(t, gen.last.User, "Today is 2026-10-16.")
	require.NotNil(t, plan.TimeRange)
	require.NotNil(t, plan.TimeRange.Start)
	assert.Equal(t, "2026-10-15", plan.TimeRange.Start.Format(dateLayout))
}

func TestParseNormalizesIntentAndDates(t *testing.T) {
	gen := &scriptedGenerator{answer: `{"intent":"SUMMARIZE","timeRange":{"start":"sometime","end":"2019"},"keywords":[" Payroll ","payroll",""]}`}
	plan := NewUnderstanding(gen, 0, logging.Discard()).Parse(context.Background(), "summarize payroll until 2019")

	assert.Equal(t, models.IntentSummarize, plan.Intent)
	require.NotNil(t, plan.TimeRange)
	assert.Nil(t, plan.TimeRange.Start)
	require.NotNil(t, plan.TimeRange.End)
	assert.Equal(t, time.Date(2019, 12, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC), *plan.TimeRange.End)
	assert.Equal(t, []string{"payroll"}, plan.Keywords)

	gen.answer = `{"intent":"browse","timeRange":{"start":"","end":""}}`
	plan = NewUnderstanding(gen, 0, logging.Discard()).Parse(context.Background(), "browse")
	assert.Equal(t, models.IntentRetrieve, plan.Intent)
	assert.Nil(t, plan.TimeRange)
}
