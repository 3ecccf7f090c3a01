// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// tokenizedInput is the model-ready encoding of one text.
type tokenizedInput struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// wordPieceTokenizer is a basic WordPiece tokenizer for BERT-style models.
// It loads a vocabulary file when given one and otherwise falls back to a
// built-in minimal vocabulary biased toward analysis-request wording.
type wordPieceTokenizer struct {
	vocab map[string]int64

	clsID int64
	sepID int64
	padID int64
	unkID int64
}

func newWordPieceTokenizer(vocabPath string) (*wordPieceTokenizer, error) {
	t := &wordPieceTokenizer{vocab: make(map[string]int64)}

	if vocabPath == "" {
		t.initMinimalVocab()
		return t, nil
	}

	file, err := os.Open(vocabPath)
	if err != nil {
		// Missing vocab file degrades to the built-in vocabulary.
		t.initMinimalVocab()
		return t, nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var id int64
	for scanner.Scan() {
		t.vocab[scanner.Text()] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading vocabulary: %w", err)
	}

	t.setSpecialTokenIDs()
	return t, nil
}

// initMinimalVocab installs a small vocabulary so the tokenizer works
// without a vocabulary file. Unknown words fall through to [UNK].
func (t *wordPieceTokenizer) initMinimalVocab() {
	minimalVocab := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"the", "a", "an", "is", "are", "was", "were",
		"to", "of", "in", "for", "on", "with", "at",
		"by", "from", "as", "or", "and", "but", "not",
		"this", "that", "it", "be", "have", "has", "had",
		"do", "does", "did", "will", "would", "could", "should",
		"can", "may", "might", "must",
		"i", "you", "we", "they", "me", "us", "them",
		"my", "your", "its", "our", "their",
		"what", "which", "who", "where", "when", "why", "how",
		"all", "each", "every", "some", "no", "only", "same", "so", "than",
		"analyze", "explain", "fix", "help", "show", "find", "check",
		"error", "formula", "cell", "sheet", "spreadsheet", "column", "row",
		"value", "reference", "range", "table", "chart", "pivot",
		"vlookup", "hlookup", "index", "match", "sum", "sumif", "countif",
		"macro", "vba", "script", "function", "nested", "broken", "wrong",
		"data", "report", "model", "budget", "forecast", "total",
		"##s", "##ed", "##ing", "##er", "##ly", "##tion", "##ment",
	}

	for i, token := range minimalVocab {
		t.vocab[token] = int64(i)
	}
	t.setSpecialTokenIDs()
}

func (t *wordPieceTokenizer) setSpecialTokenIDs() {
	if id, ok := t.vocab["[CLS]"]; ok {
		t.clsID = id
	}
	if id, ok := t.vocab["[SEP]"]; ok {
		t.sepID = id
	}
	if id, ok := t.vocab["[PAD]"]; ok {
		t.padID = id
	}
	if id, ok := t.vocab["[UNK]"]; ok {
		t.unkID = id
	}
}

// Tokenize lowercases, normalizes punctuation, applies WordPiece, and wraps
// the result in [CLS]/[SEP]. Output never exceeds maxLength.
func (t *wordPieceTokenizer) Tokenize(text string, maxLength int) *tokenizedInput {
	text = normalizeText(strings.ToLower(text))

	tokens := []int64{t.clsID}
	for _, word := range strings.Fields(text) {
		tokens = append(tokens, t.tokenizeWord(word)...)
		if len(tokens) >= maxLength-1 {
			break
		}
	}
	tokens = append(tokens, t.sepID)

	if len(tokens) > maxLength {
		tokens = tokens[:maxLength-1]
		tokens = append(tokens, t.sepID)
	}

	seqLen := len(tokens)
	attentionMask := make([]int64, seqLen)
	tokenTypeIDs := make([]int64, seqLen)
	for i := 0; i < seqLen; i++ {
		attentionMask[i] = 1
	}

	return &tokenizedInput{
		InputIDs:      tokens,
		AttentionMask: attentionMask,
		TokenTypeIDs:  tokenTypeIDs,
	}
}

// normalizeText collapses whitespace and spaces out punctuation so each
// punctuation mark tokenizes independently.
func normalizeText(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	var b strings.Builder
	for _, r := range text {
		if unicode.IsPunct(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// tokenizeWord greedily matches the longest known subword, prefixing
// continuations with "##". Unmatched characters become [UNK].
func (t *wordPieceTokenizer) tokenizeWord(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var tokens []int64
	start := 0
	for start < len(word) {
		end := len(word)
		found := false

		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			end--
		}

		if !found {
			tokens = append(tokens, t.unkID)
			start++
			continue
		}
		start = end
	}

	if len(tokens) == 0 {
		return []int64{t.unkID}
	}
	return tokens
}

// VocabSize returns the number of known tokens.
func (t *wordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}
