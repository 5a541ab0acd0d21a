package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mallku/internal/docstore/memory"
	"mallku/internal/fieldsecurity/registry"
	"mallku/internal/fieldsecurity/secured"
	"mallku/internal/fieldsecurity/transform"
	"mallku/internal/reciprocity/models"
	dErrors "mallku/pkg/domain-errors"
)

type ReciprocitySuite struct {
	suite.Suite
	ctx        context.Context
	raw        *memory.Database
	db         *secured.Database
	activities *secured.Collection
	balances   *secured.Collection
}

func TestReciprocitySuite(t *testing.T) {
	suite.Run(t, new(ReciprocitySuite))
}

func (s *ReciprocitySuite) SetupTest() {
	s.ctx = context.Background()
	keys, err := transform.DeriveKeys([]byte("reciprocity-test-secret"))
	s.Require().NoError(err)

	s.raw = memory.New()
	s.db = secured.NewDatabase(s.raw, secured.Static(registry.New()), keys)
	s.Require().NoError(s.db.RegisterPolicy(secured.NewPolicy("activities", models.Activity{})))
	s.Require().NoError(s.db.RegisterPolicy(secured.NewPolicy("balances", models.Balance{})))

	s.activities, err = s.db.Collection(s.ctx, "activities")
	s.Require().NoError(err)
	s.balances, err = s.db.Collection(s.ctx, "balances")
	s.Require().NoError(err)
}

var day = time.Date(2026, 3, 21, 12, 0, 0, 0, time.UTC)

func (s *ReciprocitySuite) seed() {
	records := []any{
		models.Activity{ParticipantID: "p-1", AyniScore: 0.75, Timestamp: day, Kind: models.KindGift, Contribution: "seed potatoes"},
		models.Activity{ParticipantID: "p-1", AyniScore: -0.3, Timestamp: day.Add(24 * time.Hour), Kind: models.KindExchange},
		models.Activity{ParticipantID: "p-2", AyniScore: 0.05, Timestamp: day.Add(48 * time.Hour), Kind: models.KindLabor},
	}
	for _, r := range records {
		s.Require().NoError(r.(models.Activity).Validate())
	}
	_, err := s.activities.InsertManySecured(s.ctx, records)
	s.Require().NoError(err)
}

func (s *ReciprocitySuite) TestActivityRoundTrip() {
	in := models.Activity{
		ParticipantID: "p-9",
		AyniScore:     0.2,
		Timestamp:     day,
		Contribution:  "taught weaving",
		Kind:          models.KindKnowledge,
		WindowID:      "2026-w12",
	}
	key, err := s.activities.InsertSecured(s.ctx, in)
	s.Require().NoError(err)

	var out models.Activity
	res, err := s.activities.GetSecured(s.ctx, key, &out)
	s.Require().NoError(err)

	s.Equal(key, out.Key)
	s.Equal("p-9", out.ParticipantID)
	s.True(day.Equal(out.Timestamp))
	s.Equal("taught weaving", out.Contribution)
	s.Equal("2026-w12", out.WindowID)
	s.Contains(res.Lossy, "ayni_score", "bucketed scores come back as buckets")
	s.Contains(res.Lossy, "kind", "deterministic kinds come back hashed")
}

func (s *ReciprocitySuite) TestStoredActivityHidesNames() {
	s.seed()

	raw, err := s.raw.Collection(s.ctx, "activities")
	s.Require().NoError(err)
	docs, err := raw.Find(s.ctx, nil, 0)
	s.Require().NoError(err)
	s.Require().Len(docs, 3)
	for _, doc := range docs {
		for member := range doc {
			s.NotContains([]string{"participant_id", "ayni_score", "timestamp", "contribution", "kind"}, member)
		}
	}
}

func (s *ReciprocitySuite) TestFindByParticipant() {
	s.seed()

	rows, err := s.activities.FindSecured(s.ctx, []secured.Where{secured.Eq("participant_id", "p-1")}, 0)
	s.Require().NoError(err)
	s.Len(rows, 2)
	for _, row := range rows {
		s.Equal("p-1", row.Model.(*models.Activity).ParticipantID)
	}
}

func (s *ReciprocitySuite) TestFindPositiveAyni() {
	s.seed()

	rows, err := s.activities.FindSecured(s.ctx, []secured.Where{secured.Between("ayni_score", 0.1, 1)}, 0)
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *ReciprocitySuite) TestFindByPeriod() {
	s.seed()

	rows, err := s.activities.FindSecured(s.ctx, []secured.Where{
		secured.During("timestamp", day.Add(12*time.Hour), day.Add(72*time.Hour)),
	}, 0)
	s.Require().NoError(err)
	s.Len(rows, 2)
}

func (s *ReciprocitySuite) TestBalanceRoundTrip() {
	in := models.Balance{
		ParticipantID: "p-1",
		Balance:       3.5,
		PeriodStart:   day,
		PeriodEnd:     day.Add(7 * 24 * time.Hour),
		WindowIDs:     []string{"2026-w12", "2026-w13"},
	}
	s.Require().NoError(in.Validate())
	key, err := s.balances.InsertSecured(s.ctx, in)
	s.Require().NoError(err)

	var out models.Balance
	_, err = s.balances.GetSecured(s.ctx, key, &out)
	s.Require().NoError(err)
	s.Equal("p-1", out.ParticipantID)
	s.True(in.PeriodEnd.Equal(out.PeriodEnd))
	s.Equal(in.WindowIDs, out.WindowIDs)

	rows, err := s.balances.FindSecured(s.ctx, []secured.Where{secured.Between("balance", 1, 5)}, 0)
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *ReciprocitySuite) TestActivityRejectedFromBalances() {
	_, err := s.balances.InsertSecured(s.ctx, models.Activity{ParticipantID: "p-1"})
	s.Require().Error(err)
}

func (s *ReciprocitySuite) TestValidate() {
	s.Error(models.Activity{ParticipantID: "p", AyniScore: 2, Timestamp: day, Kind: models.KindGift}.Validate())
	s.Error(models.Activity{ParticipantID: "p", Timestamp: day, Kind: "theft"}.Validate())
	s.Error(models.Balance{ParticipantID: "p", PeriodStart: day, PeriodEnd: day}.Validate())
}

func (s *ReciprocitySuite) TestInvalidRecordsAreNotStored() {
	_, err := s.activities.InsertSecured(s.ctx, models.Activity{
		ParticipantID: "p-1",
		AyniScore:     7,
		Timestamp:     day,
		Kind:          models.KindGift,
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.activities.InsertSecured(s.ctx, models.Activity{ParticipantID: "p-1", Timestamp: day, Kind: "theft"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.balances.InsertSecured(s.ctx, models.Balance{ParticipantID: "p-1", PeriodStart: day, PeriodEnd: day})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	raw, err := s.raw.Collection(s.ctx, "activities")
	s.Require().NoError(err)
	docs, err := raw.Find(s.ctx, nil, 0)
	s.Require().NoError(err)
	s.Empty(docs)
}

func (s *ReciprocitySuite) TestDeclarationsAreConsistent() {
	for _, m := range []secured.Model{models.Activity{}, models.Balance{}} {
		warnings := secured.ValidateSecurityConfiguration(m)
		s.Empty(warnings, "%T", m)
	}
}
