package memory

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
)

func testIndex() *Index {
	ix := New()
	ix.Add(
		Document{ID: "1", Title: "Go course", Body: "An introduction course to Go concurrency.", Type: "course"},
		Document{ID: "2", Title: "Advanced courses", Body: "Courses about channels and goroutines.", Type: "course"},
		Document{ID: "3", Title: "Staff handbook", Body: "Internal course notes", Type: "doc", Restricted: true},
		Document{ID: "4", Title: "Blog", Body: "Rabbit queues and channels", Type: "post"},
	)
	return ix
}

func author() engine.Query {
	return engine.Query{
		Identity:   engine.Identity{ID: "42", Name: "author"},
		Roles:      contracts.Roles{Author: true},
		MaxResults: 10,
	}
}

func ids(results *contracts.SearchResults) []string {
	out := make([]string, 0, results.Len())
	for _, hit := range results.Hits {
		out = append(out, hit.ID)
	}
	return out
}

func TestIndex_Search(t *testing.T) {
	ix := testIndex()
	ctx := context.Background()

	t.Run("term frequency ranking", func(t *testing.T) {
		q := author()
		q.Text = "course"
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "3"}, ids(results))
		assert.Equal(t, 2.0, results.Hits[0].Score)
		assert.Equal(t, 4, results.TotalDocs)
	})

	t.Run("restricted hidden from anonymous", func(t *testing.T) {
		q := author()
		q.Text = "course"
		q.Identity = engine.AnonymousIdentity("42")
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(results))
	})

	t.Run("restricted hidden from guests", func(t *testing.T) {
		q := author()
		q.Text = "course"
		q.Roles = contracts.Roles{Guest: true}
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(results))
	})

	t.Run("prefix term", func(t *testing.T) {
		q := author()
		q.Text = "cours*"
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, ids(results))
	})

	t.Run("pagination", func(t *testing.T) {
		q := author()
		q.Text = "cours*"
		q.FirstResult = 1
		q.MaxResults = 1
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(results))
		assert.Equal(t, 3, results.TotalHits)
		assert.Equal(t, 1, results.FirstResult)
		assert.True(t, results.HasMore())
	})

	t.Run("page past the end is empty", func(t *testing.T) {
		q := author()
		q.Text = "course"
		q.FirstResult = 10
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.NotNil(t, results.Hits)
		assert.Equal(t, 0, results.Len())
		assert.Equal(t, 2, results.TotalHits)
	})

	t.Run("largest page size", func(t *testing.T) {
		q := author()
		q.Text = "cours*"
		q.FirstResult = 1
		q.MaxResults = math.MaxInt
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "3"}, ids(results))
		assert.False(t, results.HasMore())
	})

	t.Run("phrase", func(t *testing.T) {
		q := author()
		q.Text = `"rabbit queues"`
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"4"}, ids(results))
	})

	t.Run("conditions", func(t *testing.T) {
		q := author()
		q.Text = "channels"
		q.Conditions = []string{"type:post"}
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"4"}, ids(results))

		q.Conditions = []string{"id:2"}
		results, err = ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(results))
	})

	t.Run("highlight", func(t *testing.T) {
		q := author()
		q.Text = "channels"
		q.Conditions = []string{"type:post"}
		q.Highlight = true
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		require.Equal(t, 1, results.Len())
		assert.Equal(t, "Rabbit queues and <em>channels</em>", results.Hits[0].Highlight)
	})

	t.Run("no match", func(t *testing.T) {
		q := author()
		q.Text = "kubernetes"
		results, err := ix.Search(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 0, results.TotalHits)
	})
}

func TestIndex_SearchFailures(t *testing.T) {
	ix := testIndex()
	ctx := context.Background()

	tests := []struct {
		name       string
		text       string
		conditions []string
		want       engine.FailureKind
	}{
		{"unbalanced quote", `"open phrase`, nil, engine.FailureParse},
		{"empty query", "   ", nil, engine.FailureParse},
		{"leading wildcard", "*course", nil, engine.FailureQuery},
		{"malformed condition", "course", []string{"bogus"}, engine.FailureQuery},
		{"unknown condition field", "course", []string{"color:red"}, engine.FailureQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := author()
			q.Text = tt.text
			q.Conditions = tt.conditions
			results, err := ix.Search(ctx, q)
			assert.Nil(t, results)
			assert.Equal(t, tt.want, engine.Classify(err))
		})
	}

	t.Run("unavailable", func(t *testing.T) {
		ix.SetAvailable(false)
		defer ix.SetAvailable(true)

		q := author()
		q.Text = "course"
		_, err := ix.Search(ctx, q)
		assert.ErrorIs(t, err, engine.ErrServiceNotAvailable)

		_, err = ix.SpellCheck(ctx, "cour")
		assert.ErrorIs(t, err, engine.ErrServiceNotAvailable)
	})
}

func TestIndex_SpellCheck(t *testing.T) {
	ix := testIndex()
	ctx := context.Background()

	got, err := ix.SpellCheck(ctx, "cour")
	require.NoError(t, err)
	assert.Equal(t, []string{"course", "courses"}, got)

	got, err = ix.SpellCheck(ctx, "chanels")
	require.NoError(t, err)
	assert.Equal(t, []string{"channels"}, got)

	got, err = ix.SpellCheck(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	limited := New(WithSuggestionLimit(1))
	limited.Add(Document{ID: "1", Title: "courses course"})
	got, err = limited.SpellCheck(ctx, "cour")
	require.NoError(t, err)
	assert.Equal(t, []string{"course"}, got)
}

func TestIndex_Load(t *testing.T) {
	ix := New()
	err := ix.Load(strings.NewReader(`[{"id":"a","title":"Queues","body":"AMQP queues"},{"id":"b","title":"Topics"}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Len())

	ix.Add(Document{ID: "a", Title: "Replaced"})
	assert.Equal(t, 2, ix.Len())

	err = ix.Load(strings.NewReader(`{not json`))
	assert.Error(t, err)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("go", "go"))
	assert.Equal(t, 1, levenshtein("chanels", "channels"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 2, levenshtein("", "ab"))
}
