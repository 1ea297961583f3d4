package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseConstructors(t *testing.T) {
	t.Run("search reply carries payload only when OK", func(t *testing.T) {
		ok := NewSearchResponse("a", &SearchResults{Hits: make([]ResultDocument, 3)})
		assert.Equal(t, StatusOK, ok.Status)
		assert.True(t, ok.HasPayload())
		assert.Equal(t, 3, ok.Results.Len())

		failed := NewStatusResponse("a", StatusParseError)
		assert.Equal(t, KindSearch, failed.Kind)
		assert.False(t, failed.HasPayload())
	})

	t.Run("nil results become an empty page", func(t *testing.T) {
		resp := NewSearchResponse("a", nil)
		require.NotNil(t, resp.Results)
		assert.Equal(t, 0, resp.Results.Len())
	})

	t.Run("spell-check reply keeps suggestion order", func(t *testing.T) {
		resp := NewSpellCheckResponse("b", []string{"course", "courses"})
		assert.Equal(t, []string{"course", "courses"}, resp.Suggestions)
		assert.Equal(t, StatusOK, resp.Status)
		assert.True(t, NewSpellCheckResponse("b", nil).HasPayload())
	})
}

func TestRequestEnvelopeAge(t *testing.T) {
	env := NewSpellCheckEnvelope("cour", "c", "reply")
	env.EnqueuedAt = time.UnixMilli(1_000)
	assert.Equal(t, 250*time.Millisecond, env.Age(time.UnixMilli(1_250)))
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name    string
		page    Pagination
		wantErr bool
	}{
		{"first page", Pagination{FirstResult: 0, MaxResults: 10}, false},
		{"negative offset", Pagination{FirstResult: -1, MaxResults: 10}, true},
		{"zero window", Pagination{FirstResult: 0, MaxResults: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.page.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPagination)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSearchResultsHasMore(t *testing.T) {
	page := &SearchResults{TotalHits: 12, FirstResult: 0, Hits: make([]ResultDocument, 10)}
	assert.True(t, page.HasMore())

	last := &SearchResults{TotalHits: 12, FirstResult: 10, Hits: make([]ResultDocument, 2)}
	assert.False(t, last.HasMore())

	var none *SearchResults
	assert.False(t, none.HasMore())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, s)

	s, err = ParseStatus("QUERY_ERROR")
	require.NoError(t, err)
	assert.Equal(t, StatusQueryError, s)

	_, err = ParseStatus("TEAPOT")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
