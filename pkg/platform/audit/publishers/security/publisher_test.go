package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	audit "mallku/pkg/platform/audit"
	auditmemory "mallku/pkg/platform/audit/store/memory"
)

type SecurityPublisherSuite struct {
	suite.Suite
	store *auditmemory.InMemoryStore
}

func TestSecurityPublisherSuite(t *testing.T) {
	suite.Run(t, new(SecurityPublisherSuite))
}

func (s *SecurityPublisherSuite) SetupTest() {
	s.store = auditmemory.NewInMemoryStore()
}

func (s *SecurityPublisherSuite) TestCloseDrainsBuffer() {
	pub := New(s.store, WithFlushInterval(time.Hour))
	for i := 0; i < 5; i++ {
		pub.Emit(context.Background(), audit.SecurityEvent{
			Subject:    "User",
			Action:     string(audit.EventSecurityViolation),
			Collection: "users",
			Operation:  "insert",
		})
	}
	s.Require().NoError(pub.Close())

	events := s.all()
	s.Len(events, 5)
	for _, e := range events {
		s.Equal(audit.CategorySecurity, e.Category)
		s.Equal(audit.SeverityWarning, e.Severity)
		s.False(e.Timestamp.IsZero())
	}
}

func (s *SecurityPublisherSuite) TestFlushLoopDelivers() {
	pub := New(s.store, WithFlushInterval(10*time.Millisecond))
	defer pub.Close()

	pub.Emit(context.Background(), audit.SecurityEvent{Subject: "User", Action: "security_violation"})
	s.Eventually(func() bool {
		return len(s.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *SecurityPublisherSuite) TestCloseIsIdempotent() {
	pub := New(s.store)
	s.Require().NoError(pub.Close())
	s.Require().NoError(pub.Close())
}

func (s *SecurityPublisherSuite) TestRingBuffer() {
	s.Run("evicts oldest when full", func() {
		b := NewRingBuffer(2)
		b.Enqueue(audit.SecurityEvent{Subject: "a"})
		b.Enqueue(audit.SecurityEvent{Subject: "b"})
		b.Enqueue(audit.SecurityEvent{Subject: "c"})

		s.Equal(2, b.Len())
		s.Equal(int64(1), b.Dropped())
		batch := b.DequeueBatch(10)
		s.Require().Len(batch, 2)
		s.Equal("b", batch[0].Subject)
		s.Equal("c", batch[1].Subject)
	})

	s.Run("empty dequeue returns nil", func() {
		b := NewRingBuffer(1)
		s.Nil(b.DequeueBatch(3))
	})
}

func (s *SecurityPublisherSuite) all() []audit.Event {
	events, err := s.store.ListAll(context.Background())
	s.Require().NoError(err)
	return events
}
