// Package docstoretest holds the behaviour every docstore backend must share.
package docstoretest

import (
	"context"
	"errors"

	"github.com/stretchr/testify/suite"

	"mallku/internal/docstore"
	"mallku/pkg/platform/sentinel"
)

// Suite runs against the database returned by NewDatabase, which must be
// empty for every test.
type Suite struct {
	suite.Suite
	NewDatabase func() docstore.Database

	ctx context.Context
	db  docstore.Database
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.db = s.NewDatabase()
}

func (s *Suite) collection(name string) docstore.Collection {
	c, err := s.db.CreateCollection(s.ctx, name)
	s.Require().NoError(err)
	return c
}

func (s *Suite) TestCollections() {
	ok, err := s.db.HasCollection(s.ctx, "activities")
	s.Require().NoError(err)
	s.False(ok)

	_, err = s.db.Collection(s.ctx, "activities")
	s.True(errors.Is(err, sentinel.ErrNotFound))

	c := s.collection("activities")
	s.Equal("activities", c.Name())

	_, err = s.db.CreateCollection(s.ctx, "activities")
	s.True(errors.Is(err, sentinel.ErrConflict))

	ok, err = s.db.HasCollection(s.ctx, "activities")
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.db.CreateCollection(s.ctx, "bad name!")
	s.Error(err)
}

func (s *Suite) TestInsertAndGet() {
	c := s.collection("activities")

	key, err := c.Insert(s.ctx, docstore.Document{"kind": "gift", "hours": 3})
	s.Require().NoError(err)
	s.NotEmpty(key)

	doc, err := c.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal("gift", doc["kind"])
	s.Equal(3.0, doc["hours"])
	s.Equal(key, doc.Key())

	_, err = c.Insert(s.ctx, docstore.Document{docstore.KeyField: key})
	s.True(errors.Is(err, sentinel.ErrConflict))

	_, err = c.Get(s.ctx, "missing")
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *Suite) TestInsertManyIsAllOrNothing() {
	c := s.collection("activities")
	_, err := c.Insert(s.ctx, docstore.Document{docstore.KeyField: "taken"})
	s.Require().NoError(err)

	_, err = c.InsertMany(s.ctx, []docstore.Document{
		{docstore.KeyField: "fresh"},
		{docstore.KeyField: "taken"},
	})
	s.True(errors.Is(err, sentinel.ErrConflict))
	_, err = c.Get(s.ctx, "fresh")
	s.True(errors.Is(err, sentinel.ErrNotFound))

	keys, err := c.InsertMany(s.ctx, []docstore.Document{{"n": 1}, {"n": 2}})
	s.Require().NoError(err)
	s.Len(keys, 2)
}

func (s *Suite) TestUpdateReplaceDelete() {
	c := s.collection("activities")
	key, err := c.Insert(s.ctx, docstore.Document{"a": 1, "b": 2})
	s.Require().NoError(err)

	s.Require().NoError(c.Update(s.ctx, key, docstore.Document{"b": 3, "c": 4}))
	doc, err := c.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(1.0, doc["a"])
	s.Equal(3.0, doc["b"])
	s.Equal(4.0, doc["c"])

	s.Require().NoError(c.Replace(s.ctx, key, docstore.Document{"z": true}))
	doc, err = c.Get(s.ctx, key)
	s.Require().NoError(err)
	s.NotContains(doc, "a")
	s.Equal(true, doc["z"])
	s.Equal(key, doc.Key())

	s.True(errors.Is(c.Update(s.ctx, "missing", docstore.Document{"a": 1}), sentinel.ErrNotFound))
	s.True(errors.Is(c.Replace(s.ctx, "missing", docstore.Document{}), sentinel.ErrNotFound))

	s.Require().NoError(c.Delete(s.ctx, key))
	s.True(errors.Is(c.Delete(s.ctx, key), sentinel.ErrNotFound))
}

func (s *Suite) TestDeleteManyAndTruncate() {
	c := s.collection("activities")
	keys, err := c.InsertMany(s.ctx, []docstore.Document{{"n": 1}, {"n": 2}, {"n": 3}})
	s.Require().NoError(err)

	s.Require().NoError(c.DeleteMany(s.ctx, keys[:2]))
	all, err := c.Find(s.ctx, nil, 0)
	s.Require().NoError(err)
	s.Len(all, 1)

	s.Require().NoError(c.Truncate(s.ctx))
	all, err = c.Find(s.ctx, nil, 0)
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *Suite) TestFind() {
	c := s.collection("activities")
	_, err := c.InsertMany(s.ctx, []docstore.Document{
		{docstore.KeyField: "a", "score": map[string]any{"bucket_min": -1, "bucket_max": -0.5}, "kind": "gift"},
		{docstore.KeyField: "b", "score": map[string]any{"bucket_min": 0, "bucket_max": 0.1}, "kind": "loan"},
		{docstore.KeyField: "c", "score": map[string]any{"bucket_min": 0.5, "bucket_max": 1}, "kind": "gift"},
	})
	s.Require().NoError(err)

	s.Run("equality on a top-level member", func() {
		docs, err := c.Find(s.ctx, docstore.Filter{{Path: []string{"kind"}, Op: docstore.OpEq, Value: "gift"}}, 0)
		s.Require().NoError(err)
		s.Equal([]string{"a", "c"}, keys(docs))
	})

	s.Run("range on nested members", func() {
		docs, err := c.Find(s.ctx, docstore.Filter{
			{Path: []string{"score", "bucket_max"}, Op: docstore.OpGt, Value: 0.0},
			{Path: []string{"score", "bucket_min"}, Op: docstore.OpLte, Value: 1.0},
		}, 0)
		s.Require().NoError(err)
		s.Equal([]string{"b", "c"}, keys(docs))
	})

	s.Run("limit", func() {
		docs, err := c.Find(s.ctx, nil, 2)
		s.Require().NoError(err)
		s.Equal([]string{"a", "b"}, keys(docs))
	})

	s.Run("missing members only match not-equal", func() {
		docs, err := c.Find(s.ctx, docstore.Filter{{Path: []string{"absent"}, Op: docstore.OpNe, Value: 1}}, 0)
		s.Require().NoError(err)
		s.Len(docs, 3)
		docs, err = c.Find(s.ctx, docstore.Filter{{Path: []string{"absent"}, Op: docstore.OpEq, Value: 1}}, 0)
		s.Require().NoError(err)
		s.Empty(docs)
	})
}

func (s *Suite) TestQueryBindsVariables() {
	c := s.collection("activities")
	_, err := c.InsertMany(s.ctx, []docstore.Document{
		{docstore.KeyField: "early", "at": 100.0},
		{docstore.KeyField: "late", "at": 200.0},
	})
	s.Require().NoError(err)

	q := docstore.Query{
		Collection: "activities",
		Filter: docstore.Filter{
			{Path: []string{"at"}, Op: docstore.OpGte, Param: "since"},
		},
	}
	docs, err := s.db.Query(s.ctx, q, map[string]any{"since": 150})
	s.Require().NoError(err)
	s.Equal([]string{"late"}, keys(docs))

	_, err = s.db.Query(s.ctx, q, nil)
	s.Error(err)
}

func keys(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key()
	}
	return out
}
