package ingest

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

// sniffLen is how much of the file the encoding and delimiter heuristics
// inspect.
const sniffLen = 8192

// decodeReader wraps r so downstream reads see UTF-8. The BOM is
// consumed; without one the sample must either be valid UTF-8 or decode
// cleanly from Windows-1252. Binary-looking input is rejected.
func decodeReader(r *bufio.Reader) (io.Reader, error) {
	sample, err := r.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}):
		_, _ = r.Discard(3)
		return r, nil
	case bytes.HasPrefix(sample, []byte{0xFF, 0xFE}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(r, dec), nil
	case bytes.HasPrefix(sample, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		return transform.NewReader(r, dec), nil
	}
	if bytes.IndexByte(sample, 0x00) >= 0 {
		return nil, contracts.NewError(contracts.KindIngestionFatal,
			"file looks binary, cannot determine text encoding")
	}
	if utf8.Valid(sample) {
		return r, nil
	}
	// single-byte legacy encoding; Windows-1252 covers the usual suspects
	return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
}

// delimiterCandidates in priority order for error messages.
var delimiterCandidates = []rune{',', '\t', '|'}

// detectDelimiter picks the column separator from the header line,
// counting candidates outside quoted regions. A tie or an absent
// delimiter is rejected rather than guessed.
func detectDelimiter(header string) (rune, error) {
	counts := make(map[rune]int, len(delimiterCandidates))
	inQuotes := false
	for _, ch := range header {
		if ch == '"' {
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			continue
		}
		for _, cand := range delimiterCandidates {
			if ch == cand {
				counts[cand]++
			}
		}
	}
	best, bestCount, tied := rune(0), 0, false
	for _, cand := range delimiterCandidates {
		switch {
		case counts[cand] > bestCount:
			best, bestCount, tied = cand, counts[cand], false
		case counts[cand] == bestCount && counts[cand] > 0:
			tied = true
		}
	}
	if bestCount == 0 {
		return 0, contracts.NewError(contracts.KindIngestionFatal,
			"header row contains no recognized delimiter (comma, tab, or pipe)")
	}
	if tied {
		return 0, contracts.NewError(contracts.KindIngestionFatal,
			"ambiguous delimiter in header row")
	}
	return best, nil
}

// headerLine peeks the first decoded line without consuming it.
func headerLine(r *bufio.Reader) (string, error) {
	sample, err := r.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", err
	}
	if len(sample) == 0 {
		return "", contracts.NewError(contracts.KindIngestionFatal, "file is empty")
	}
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}
	return string(bytes.TrimSuffix(sample, []byte{'\r'})), nil
}
