package secured

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"mallku/internal/docstore"
	"mallku/internal/docstore/memory"
	"mallku/internal/docstore/mocks"
	"mallku/internal/fieldsecurity/registry"
	dErrors "mallku/pkg/domain-errors"
	audit "mallku/pkg/platform/audit"
)

type CollectionSuite struct {
	suite.Suite
	ctx     context.Context
	raw     *memory.Database
	source  *recordingSource
	auditor *recordingAuditor
	db      *Database
}

func TestCollectionSuite(t *testing.T) {
	suite.Run(t, new(CollectionSuite))
}

func (s *CollectionSuite) SetupTest() {
	s.ctx = context.Background()
	s.raw = memory.New()
	s.source = &recordingSource{reg: registry.New()}
	s.auditor = &recordingAuditor{}
	s.db = NewDatabase(s.raw, s.source, testKeys(), WithAuditor(s.auditor))
	s.Require().NoError(s.db.RegisterPolicy(NewPolicy("people", person{})))
	s.Require().NoError(s.db.RegisterPolicy(NewPolicy("scores", scoreRecord{})))
}

func (s *CollectionSuite) collection(name string) *Collection {
	c, err := s.db.Collection(s.ctx, name)
	s.Require().NoError(err)
	return c
}

func (s *CollectionSuite) rawDocs(name string) []docstore.Document {
	c, err := s.raw.Collection(s.ctx, name)
	s.Require().NoError(err)
	docs, err := c.Find(s.ctx, nil, 0)
	s.Require().NoError(err)
	return docs
}

func (s *CollectionSuite) TestInsertAndGet() {
	people := s.collection("people")

	key, err := people.InsertSecured(s.ctx, &person{Email: "alice@example.com", Nickname: "al"})
	s.Require().NoError(err)
	s.NotEmpty(key)

	docs := s.rawDocs("people")
	s.Require().Len(docs, 1)
	s.NotContains(docs[0], "email")

	var out person
	res, err := people.GetSecured(s.ctx, key, &out)
	s.Require().NoError(err)
	s.Equal(key, res.Key)
	s.Equal(key, out.Key)
	s.Equal("alice@example.com", out.Email)
	s.Equal("al", out.Nickname)
}

func (s *CollectionSuite) TestPolicyEnforcement() {
	people := s.collection("people")

	s.Run("plain record is a security violation", func() {
		_, err := people.InsertSecured(s.ctx, plainRecord{Email: "eve@example.com"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSecurityViolation))
	})

	s.Run("secured model of another type is a security violation", func() {
		_, err := people.InsertSecured(s.ctx, scoreRecord{Score: 0.3, RecordedAt: time.Now()})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSecurityViolation))
	})

	s.Run("update with a plain record is refused", func() {
		err := people.UpdateSecured(s.ctx, "any", plainRecord{Email: "eve@example.com"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSecurityViolation))
	})

	s.Run("nothing was written or registered", func() {
		s.Empty(s.rawDocs("people"))
		_, mapped := s.source.reg.Mapping("ayni_score")
		s.False(mapped)
		s.Zero(s.source.saveCount())
	})

	s.Run("violations are audited", func() {
		events := s.auditor.recorded()
		s.Require().Len(events, 3)
		for _, e := range events {
			s.Equal(string(audit.EventSecurityViolation), e.Action)
			s.Equal("people", e.Collection)
		}
		s.Equal("insert", events[0].Operation)
		s.Equal("update", events[2].Operation)
	})

	s.Run("reading into a foreign type is refused", func() {
		var out scoreRecord
		_, err := people.GetSecured(s.ctx, "any", &out)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSecurityViolation))
	})
}

func (s *CollectionSuite) TestViolationPerformsNoIO() {
	ctrl := gomock.NewController(s.T())
	rawDB := mocks.NewMockDatabase(ctrl)
	rawColl := mocks.NewMockCollection(ctrl)

	rawDB.EXPECT().HasCollection(gomock.Any(), "people").Return(true, nil)
	rawDB.EXPECT().Collection(gomock.Any(), "people").Return(rawColl, nil)
	rawColl.EXPECT().Name().Return("people").AnyTimes()

	source := &recordingSource{reg: registry.New()}
	db := NewDatabase(rawDB, source, testKeys())
	s.Require().NoError(db.RegisterPolicy(NewPolicy("people", person{})))

	people, err := db.Collection(s.ctx, "people")
	s.Require().NoError(err)

	_, err = people.InsertSecured(s.ctx, plainRecord{Email: "eve@example.com"})
	s.Require().Error(err)
	_, err = people.InsertManySecured(s.ctx, []any{person{Email: "ok@example.com"}, plainRecord{}})
	s.Require().Error(err)
	err = people.UpdateSecured(s.ctx, "k", scoreRecord{})
	s.Require().Error(err)

	s.Zero(source.reg.Len())
	s.Zero(source.saveCount())
}

func (s *CollectionSuite) TestDomainValidationPerformsNoIO() {
	ctrl := gomock.NewController(s.T())
	rawDB := mocks.NewMockDatabase(ctrl)
	rawColl := mocks.NewMockCollection(ctrl)

	rawDB.EXPECT().HasCollection(gomock.Any(), "scores").Return(true, nil)
	rawDB.EXPECT().Collection(gomock.Any(), "scores").Return(rawColl, nil)
	rawColl.EXPECT().Name().Return("scores").AnyTimes()
	rawColl.EXPECT().Insert(gomock.Any(), gomock.Any()).Times(0)
	rawColl.EXPECT().InsertMany(gomock.Any(), gomock.Any()).Times(0)
	rawColl.EXPECT().Update(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	source := &recordingSource{reg: registry.New()}
	auditor := &recordingAuditor{}
	db := NewDatabase(rawDB, source, testKeys(), WithAuditor(auditor))
	s.Require().NoError(db.RegisterPolicy(NewPolicy("scores", scoreRecord{})))

	scores, err := db.Collection(s.ctx, "scores")
	s.Require().NoError(err)

	invalid := scoreRecord{Participant: "p-1", Score: 7, RecordedAt: time.Now()}
	_, err = scores.InsertSecured(s.ctx, invalid)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Contains(err.Error(), "outside [-1, 1]")

	_, err = scores.InsertSecured(s.ctx, &invalid)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = scores.InsertManySecured(s.ctx, []any{scoreRecord{Score: 0.2, RecordedAt: time.Now()}, invalid})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	err = scores.UpdateSecured(s.ctx, "k", invalid)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	s.Zero(source.reg.Len(), "no mapping is minted for a rejected record")
	s.Zero(source.saveCount())
	s.Empty(auditor.recorded(), "domain validation is not a security violation")
}

func (s *CollectionSuite) TestNoRawMutationPrimitives() {
	collType := reflect.TypeOf(&Collection{})
	for _, name := range []string{"Insert", "InsertMany", "Update", "Replace", "Delete", "DeleteMany", "Truncate"} {
		_, ok := collType.MethodByName(name)
		s.False(ok, "secured collection must not expose %s", name)
	}
	dbType := reflect.TypeOf(&Database{})
	for _, name := range []string{"Raw", "HasCollection", "CreateCollection", "Query"} {
		_, ok := dbType.MethodByName(name)
		s.False(ok, "secured database must not expose %s", name)
	}
}

func (s *CollectionSuite) TestBucketedRangeQuery() {
	scores := s.collection("scores")
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	keys, err := scores.InsertManySecured(s.ctx, []any{
		scoreRecord{Participant: "neg", Score: -0.9, RecordedAt: at},
		scoreRecord{Participant: "low", Score: 0.05, RecordedAt: at.Add(time.Hour)},
		scoreRecord{Participant: "high", Score: 0.95, RecordedAt: at.Add(2 * time.Hour)},
	})
	s.Require().NoError(err)
	s.Require().Len(keys, 3)

	rows, err := scores.FindSecured(s.ctx, []Where{Between("ayni_score", 0, 1)}, 0)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)

	matched := map[string]bool{}
	for _, row := range rows {
		s.Require().NotNil(row.Model)
		rec, ok := row.Model.(*scoreRecord)
		s.Require().True(ok)
		matched[row.Key] = true
		s.Zero(rec.Score)
		s.Contains(row.Residual.Lossy, "ayni_score")
	}
	s.False(matched[keys[0]])
	s.True(matched[keys[1]])
	s.True(matched[keys[2]])

	s.Run("ordered comparison becomes a bucket range", func() {
		rows, err := scores.FindSecured(s.ctx, []Where{{Field: "ayni_score", Op: docstore.OpLt, Value: -0.2}}, 0)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(keys[0], rows[0].Key)
	})

	s.Run("point query matches the bucket", func() {
		rows, err := scores.FindSecured(s.ctx, []Where{Eq("ayni_score", 0.07)}, 0)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(keys[1], rows[0].Key)
	})

	s.Run("deterministic equality", func() {
		rows, err := scores.FindSecured(s.ctx, []Where{Eq("participant_id", "high")}, 0)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(keys[2], rows[0].Key)
	})

	s.Run("temporal range keeps relative time", func() {
		rows, err := scores.FindSecured(s.ctx, []Where{
			During("recorded_at", at.Add(30*time.Minute), at.Add(3*time.Hour)),
		}, 0)
		s.Require().NoError(err)
		s.Len(rows, 2)
	})

	s.Run("range on a hashed field is refused", func() {
		_, err := scores.FindSecured(s.ctx, []Where{{Field: "participant_id", Op: docstore.OpGt, Value: "a"}}, 0)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown field is refused", func() {
		_, err := scores.FindSecured(s.ctx, []Where{Eq("nope", 1)}, 0)
		s.Require().Error(err)
	})
}

func (s *CollectionSuite) TestBlindIndexLookup() {
	people := s.collection("people")
	_, err := people.InsertSecured(s.ctx, person{Email: "alice@example.com"})
	s.Require().NoError(err)
	_, err = people.InsertSecured(s.ctx, person{Email: "bob@example.com"})
	s.Require().NoError(err)

	rows, err := people.FindSecured(s.ctx, []Where{Eq("email", "bob@example.com")}, 0)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("bob@example.com", rows[0].Model.(*person).Email)

	_, err = people.FindSecured(s.ctx, []Where{Eq("secret", "x")}, 0)
	s.Require().Error(err)
}

func (s *CollectionSuite) TestUpdateSecured() {
	people := s.collection("people")
	key, err := people.InsertSecured(s.ctx, person{Email: "alice@example.com", Nickname: "al"})
	s.Require().NoError(err)

	err = people.UpdateSecured(s.ctx, key, person{Email: "alice@example.org", Nickname: "ally"})
	s.Require().NoError(err)

	var out person
	_, err = people.GetSecured(s.ctx, key, &out)
	s.Require().NoError(err)
	s.Equal("alice@example.org", out.Email)
	s.Equal("ally", out.Nickname)
}

func (s *CollectionSuite) TestRegistryPersistence() {
	people := s.collection("people")

	_, err := people.InsertSecured(s.ctx, person{Email: "a@example.com"})
	s.Require().NoError(err)
	s.Equal(1, s.source.saveCount())

	_, err = people.InsertSecured(s.ctx, person{Email: "b@example.com"})
	s.Require().NoError(err)
	s.Equal(1, s.source.saveCount(), "no new mappings, no save")

	scores := s.collection("scores")
	_, err = scores.InsertSecured(s.ctx, scoreRecord{Score: 0.1, RecordedAt: time.Now()})
	s.Require().NoError(err)
	s.Equal(2, s.source.saveCount())
}

func (s *CollectionSuite) TestSaveFailureBlocksWrite() {
	s.source.saveErr = errSaveFailed
	people := s.collection("people")

	_, err := people.InsertSecured(s.ctx, person{Email: "a@example.com"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))
	s.ErrorIs(err, errSaveFailed)
	s.Empty(s.rawDocs("people"))
}

func (s *CollectionSuite) TestSchemaRequiredFields() {
	policy := NewPolicy("contacts", person{})
	policy.Schema = &Schema{Required: []string{"email"}}
	s.Require().NoError(s.db.RegisterPolicy(policy))
	contacts := s.collection("contacts")

	_, err := contacts.InsertSecured(s.ctx, person{Nickname: "anon"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Empty(s.auditor.recorded(), "schema failures are not security violations")
}

func (s *CollectionSuite) TestUnregisteredCollectionIsPermissive() {
	legacy := s.collection("legacy")
	key, err := legacy.InsertSecured(s.ctx, plainRecord{Email: "legacy@example.com"})
	s.Require().NoError(err)
	s.True(legacy.Policy().Permissive())

	docs := s.rawDocs("legacy")
	s.Require().Len(docs, 1)
	s.Equal(key, docs[0].Key())
	s.Equal("legacy@example.com", docs[0]["email"])
}

func (s *CollectionSuite) TestExecuteSecuredQuery() {
	scores := s.collection("scores")
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	_, err := scores.InsertManySecured(s.ctx, []any{
		scoreRecord{Participant: "early", Score: 0.2, RecordedAt: at},
		scoreRecord{Participant: "late", Score: 0.2, RecordedAt: at.Add(48 * time.Hour)},
	})
	s.Require().NoError(err)

	q := docstore.Query{
		Collection: "scores",
		Filter: docstore.Filter{
			{Path: []string{"recorded_at"}, Op: docstore.OpGte, Param: "since"},
		},
	}
	rows, err := s.db.ExecuteSecuredQuery(s.ctx, q, map[string]any{"since": at.Add(24 * time.Hour)})
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	rec := rows[0].Model.(*scoreRecord)
	s.True(at.Add(48 * time.Hour).Equal(rec.RecordedAt))

	_, err = s.db.ExecuteSecuredQuery(s.ctx, q, nil)
	s.Require().Error(err, "unbound variable")
}

func (s *CollectionSuite) TestPrecisionFieldRangeQueries() {
	s.Require().NoError(s.db.RegisterPolicy(NewPolicy("visits", visitRecord{})))
	visits := s.collection("visits")
	noon := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	_, err := visits.InsertManySecured(s.ctx, []any{
		visitRecord{Site: "cusco", VisitedAt: noon},
		visitRecord{Site: "puno", VisitedAt: noon.Add(48 * time.Hour)},
	})
	s.Require().NoError(err)

	s.Run("range inside the stored day", func() {
		rows, err := visits.FindSecured(s.ctx, []Where{During("visited_at", noon.Add(-2*time.Hour), noon.Add(2*time.Hour))}, 0)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal("cusco", rows[0].Model.(*visitRecord).Site)
	})

	s.Run("bind variable on the precision field", func() {
		q := docstore.Query{
			Collection: "visits",
			Filter: docstore.Filter{
				{Path: []string{"visited_at"}, Op: docstore.OpGte, Param: "since"},
				{Path: []string{"visited_at"}, Op: docstore.OpLte, Param: "until"},
			},
		}
		rows, err := s.db.ExecuteSecuredQuery(s.ctx, q, map[string]any{
			"since": noon.Add(-2 * time.Hour),
			"until": noon.Add(2 * time.Hour),
		})
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal("cusco", rows[0].Model.(*visitRecord).Site)
	})
}

func (s *CollectionSuite) TestRegisterPolicyValidatesName() {
	err := s.db.RegisterPolicy(NewPolicy("bad name!", person{}))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))
}
