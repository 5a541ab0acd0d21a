package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil", input: nil, expected: nil},
		{name: "empty", input: []string{}, expected: []string{}},
		{
			name:     "policy models",
			input:    []string{" Activity", "Balance", "Activity ", ""},
			expected: []string{"Activity", "Balance"},
		},
		{
			name:     "case preserved",
			input:    []string{"participant_id", "Participant_ID"},
			expected: []string{"participant_id", "Participant_ID"},
		},
		{name: "only blanks", input: []string{" ", "\t"}, expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}
