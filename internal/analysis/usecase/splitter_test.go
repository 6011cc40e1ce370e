package usecase

import (
	"io"
	"strings"
	"testing"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		by    entity.ChunkBy
		size  int
		want  []string
	}{
		{
			name:  "paragraphs grouped",
			input: "one\ntwo\n\nthree\n\n\n\nfour\nfive\n",
			by:    entity.ChunkByParagraphs,
			size:  2,
			want:  []string{"one two three", "four five"},
		},
		{
			name:  "paragraphs trims lines",
			input: "  a  \n\tb\n\n",
			by:    entity.ChunkByParagraphs,
			size:  1,
			want:  []string{"a b"},
		},
		{
			name:  "empty input",
			input: "\n\n  \n",
			by:    entity.ChunkByParagraphs,
			size:  3,
			want:  nil,
		},
		{
			name:  "sentences",
			input: "Hi there. How\nare you? Fine!  Bye",
			by:    entity.ChunkBySentences,
			size:  2,
			want:  []string{"Hi there. How are you?", "Fine! Bye"},
		},
		{
			name:  "sentences keep inner dots",
			input: "Version 1.2 is out. Yes.",
			by:    entity.ChunkBySentences,
			size:  1,
			want:  []string{"Version 1.2 is out.", "Yes."},
		},
		{
			name:  "runes",
			input: "héllo",
			by:    entity.ChunkByBytes,
			size:  2,
			want:  []string{"hé", "ll", "o"},
		},
		{
			name:  "size below one",
			input: "ab",
			by:    entity.ChunkByBytes,
			size:  0,
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NewSplitter(strings.NewReader(tt.input), tt.by, tt.size).All()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitterNextAfterEOF(t *testing.T) {
	t.Parallel()

	s := NewSplitter(strings.NewReader("only"), entity.ChunkByParagraphs, 5)
	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "only", chunk)

	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
}
