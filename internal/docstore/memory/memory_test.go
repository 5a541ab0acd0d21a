package memory

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"mallku/internal/docstore"
	"mallku/internal/docstore/docstoretest"
)

func TestMemoryDatabase(t *testing.T) {
	suite.Run(t, &docstoretest.Suite{
		NewDatabase: func() docstore.Database { return New() },
	})
}
