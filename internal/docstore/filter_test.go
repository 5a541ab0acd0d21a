package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	doc := Document{
		"kind":  "gift",
		"hours": 3.0,
		"score": map[string]any{"bucket_min": 0.0, "bucket_max": 0.1},
		"tags":  []any{"a", "b"},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", nil, true},
		{"string equality", Filter{{Path: []string{"kind"}, Op: OpEq, Value: "gift"}}, true},
		{"int against float", Filter{{Path: []string{"hours"}, Op: OpEq, Value: 3}}, true},
		{"nested range", Filter{{Path: []string{"score", "bucket_max"}, Op: OpGt, Value: 0}}, true},
		{"ordered compare across types", Filter{{Path: []string{"kind"}, Op: OpGt, Value: 1}}, false},
		{"array equality", Filter{{Path: []string{"tags"}, Op: OpEq, Value: []string{"a", "b"}}}, true},
		{"path through scalar", Filter{{Path: []string{"kind", "x"}, Op: OpEq, Value: "gift"}}, false},
		{"conjunction", Filter{
			{Path: []string{"kind"}, Op: OpEq, Value: "gift"},
			{Path: []string{"hours"}, Op: OpLt, Value: 2},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(doc))
		})
	}
}

func TestQueryBind(t *testing.T) {
	q := Query{Collection: "c", Filter: Filter{
		{Path: []string{"at"}, Op: OpGte, Param: "start"},
		{Path: []string{"kind"}, Op: OpEq, Value: "gift"},
	}}
	assert.Equal(t, []string{"start"}, q.Params())

	bound, err := q.Bind(map[string]any{"start": 10})
	require.NoError(t, err)
	assert.Equal(t, 10, bound.Filter[0].Value)
	assert.Empty(t, bound.Filter[0].Param)
	assert.Equal(t, "start", q.Filter[0].Param, "original query is unchanged")

	_, err = q.Bind(nil)
	assert.Error(t, err)

	_, err = Query{Filter: Filter{{Path: []string{"x"}, Op: "~"}}}.Bind(nil)
	assert.Error(t, err)
}

func TestMergeIntoKeepsKey(t *testing.T) {
	merged := MergeInto(Document{KeyField: "k", "a": 1.0}, Document{KeyField: "other", "b": 2.0})
	assert.Equal(t, "k", merged.Key())
	assert.Equal(t, 2.0, merged["b"])
}
