// Package tokenizer gives the opaque tokenizer contract a concrete,
// swappable implementation: a minimal byte-level BPE codec loaded from a
// vocabulary file. Building a research-grade tokenizer is explicitly out of
// scope; this exists so the server runs end to end without a proprietary
// tokenizer binding.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Tokenizer converts between raw text and model token ids.
type Tokenizer interface {
	Encode(text string) []uint16
	Decode(tokens []uint16) string
}

// bpe is a byte-level BPE tokenizer: every byte value 0-255 is a token on
// its own, plus a vocabulary of learned merges loaded from disk.
type bpe struct {
	// mergeRank[a<<16|b] gives the rank (lower = applied first) of merging
	// token a followed by token b into mergedID[a<<16|b].
	mergeRank map[uint32]int
	mergedID  map[uint32]uint16
	decodeStr map[uint16]string
	nextID    uint16
}

// New loads a merge file on top of the 256 raw byte tokens: each
// "MERGE <a> <b> <id>" line merges token a followed by token b into id,
// ranked by line order; every other line is ignored. A missing file
// yields a byte-only tokenizer (still a valid, if coarse, implementation).
func New(path string) (Tokenizer, error) {
	t := &bpe{
		mergeRank: map[uint32]int{},
		mergedID:  map[uint32]uint16{},
		decodeStr: map[uint16]string{},
		nextID:    256,
	}
	for i := 0; i < 256; i++ {
		t.decodeStr[uint16(i)] = string([]byte{byte(i)})
	}
	if path == "" {
		return t, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("tokenizer: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	rank := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 4 && fields[0] == "MERGE" {
			a, errA := strconv.ParseUint(fields[1], 10, 16)
			b, errB := strconv.ParseUint(fields[2], 10, 16)
			id, errC := strconv.ParseUint(fields[3], 10, 16)
			if errA != nil || errB != nil || errC != nil {
				continue
			}
			key := uint32(a)<<16 | uint32(b)
			t.mergeRank[key] = rank
			t.mergedID[key] = uint16(id)
			t.decodeStr[uint16(id)] = t.decodeStr[uint16(a)] + t.decodeStr[uint16(b)]
			if uint16(id) >= t.nextID {
				t.nextID = uint16(id) + 1
			}
			rank++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read %s: %w", path, err)
	}
	return t, nil
}

// Encode greedily applies learned merges, lowest-rank first, over the raw
// byte sequence until no further merge applies.
func (t *bpe) Encode(text string) []uint16 {
	raw := []byte(text)
	tokens := make([]uint16, len(raw))
	for i, b := range raw {
		tokens[i] = uint16(b)
	}
	if len(t.mergeRank) == 0 {
		return tokens
	}
	for {
		bestRank := -1
		bestPos := -1
		var bestID uint16
		for i := 0; i+1 < len(tokens); i++ {
			key := uint32(tokens[i])<<16 | uint32(tokens[i+1])
			if rank, ok := t.mergeRank[key]; ok && (bestRank == -1 || rank < bestRank) {
				bestRank = rank
				bestPos = i
				bestID = t.mergedID[key]
			}
		}
		if bestPos == -1 {
			return tokens
		}
		merged := make([]uint16, 0, len(tokens)-1)
		merged = append(merged, tokens[:bestPos]...)
		merged = append(merged, bestID)
		merged = append(merged, tokens[bestPos+2:]...)
		tokens = merged
	}
}

// Decode concatenates each token's byte expansion; unknown ids decode to
// the empty string rather than erroring, since decode must never fail
// mid-stream for a generation loop.
func (t *bpe) Decode(tokens []uint16) string {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(t.decodeStr[tok])
	}
	return sb.String()
}
