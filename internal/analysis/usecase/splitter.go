package usecase

import (
	"bufio"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
)

const maxTokenSize = 16 << 20

// Splitter cuts a text stream into chunks. Call Next until it returns io.EOF.
type Splitter struct {
	sc   *bufio.Scanner
	by   entity.ChunkBy
	size int
}

// NewSplitter returns a Splitter emitting chunks of size paragraphs,
// sentences or runes depending on by. A size below 1 is treated as 1.
func NewSplitter(r io.Reader, by entity.ChunkBy, size int) *Splitter {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxTokenSize)
	switch by {
	case entity.ChunkBySentences:
		sc.Split(scanSentences)
	case entity.ChunkByBytes:
		sc.Split(bufio.ScanRunes)
	default:
		by = entity.ChunkByParagraphs
		sc.Split(bufio.ScanLines)
	}

	return &Splitter{sc: sc, by: by, size: max(size, 1)}
}

func (s *Splitter) Next() (string, error) {
	switch s.by {
	case entity.ChunkBySentences:
		return s.collect(" ")
	case entity.ChunkByBytes:
		return s.collect("")
	default:
		return s.nextParagraphs()
	}
}

// All drains the splitter.
func (s *Splitter) All() ([]string, error) {
	var chunks []string
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

// nextParagraphs joins the trimmed lines of up to size paragraphs with single
// spaces. Runs of blank lines end one paragraph.
func (s *Splitter) nextParagraphs() (string, error) {
	var (
		chunk       strings.Builder
		paragraphs  int
		inParagraph bool
	)

	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			if inParagraph {
				inParagraph = false
				paragraphs++
				if paragraphs >= s.size {
					return chunk.String(), nil
				}
			}
			continue
		}

		if chunk.Len() > 0 {
			chunk.WriteByte(' ')
		}
		chunk.WriteString(line)
		inParagraph = true
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	if chunk.Len() > 0 {
		return chunk.String(), nil
	}

	return "", io.EOF
}

func (s *Splitter) collect(sep string) (string, error) {
	tokens := make([]string, 0, s.size)
	for len(tokens) < s.size && s.sc.Scan() {
		tokens = append(tokens, s.sc.Text())
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", io.EOF
	}

	return strings.Join(tokens, sep), nil
}

// scanSentences is a bufio.SplitFunc yielding sentences that end in '.', '!'
// or '?' followed by whitespace. Inner whitespace is collapsed to one space.
func scanSentences(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) {
		r, w := utf8.DecodeRune(data[start:])
		if !unicode.IsSpace(r) {
			break
		}
		start += w
	}

	for i := start; i < len(data); {
		r, w := utf8.DecodeRune(data[i:])
		i += w
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i >= len(data) {
			if !atEOF {
				return start, nil, nil
			}
			break
		}
		if next, _ := utf8.DecodeRune(data[i:]); unicode.IsSpace(next) {
			return i, normalizeSpace(data[start:i]), nil
		}
	}

	if atEOF {
		if start < len(data) {
			return len(data), normalizeSpace(data[start:]), nil
		}
		return len(data), nil, nil
	}

	return start, nil, nil
}

func normalizeSpace(b []byte) []byte {
	return []byte(strings.Join(strings.Fields(string(b)), " "))
}
