// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{
			name: "identical vectors",
			a:    []float32{1, 2, 3},
			b:    []float32{1, 2, 3},
			want: 1.0,
		},
		{
			name: "orthogonal vectors",
			a:    []float32{1, 0},
			b:    []float32{0, 1},
			want: 0.0,
		},
		{
			name: "opposite vectors",
			a:    []float32{1, 0},
			b:    []float32{-1, 0},
			want: -1.0,
		},
		{
			name: "mismatched lengths",
			a:    []float32{1, 2, 3},
			b:    []float32{1, 2},
			want: 0.0,
		},
		{
			name: "empty vectors",
			a:    []float32{},
			b:    []float32{},
			want: 0.0,
		},
		{
			name: "zero vector",
			a:    []float32{0, 0, 0},
			b:    []float32{1, 2, 3},
			want: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWordPieceTokenizer_SpecialTokenFraming(t *testing.T) {
	tok, err := newWordPieceTokenizer("")
	if err != nil {
		t.Fatalf("newWordPieceTokenizer failed: %v", err)
	}

	input := tok.Tokenize("analyze the formula error", 32)

	if len(input.InputIDs) < 3 {
		t.Fatalf("too few tokens: %v", input.InputIDs)
	}
	if input.InputIDs[0] != tok.clsID {
		t.Errorf("first token = %d, want [CLS] id %d", input.InputIDs[0], tok.clsID)
	}
	if input.InputIDs[len(input.InputIDs)-1] != tok.sepID {
		t.Errorf("last token = %d, want [SEP] id %d", input.InputIDs[len(input.InputIDs)-1], tok.sepID)
	}
	if len(input.AttentionMask) != len(input.InputIDs) || len(input.TokenTypeIDs) != len(input.InputIDs) {
		t.Error("mask and type id lengths must match input ids")
	}
	for i, m := range input.AttentionMask {
		if m != 1 {
			t.Errorf("attention mask[%d] = %d, want 1", i, m)
		}
	}
}

func TestWordPieceTokenizer_Truncation(t *testing.T) {
	tok, _ := newWordPieceTokenizer("")

	long := ""
	for i := 0; i < 200; i++ {
		long += "formula "
	}
	input := tok.Tokenize(long, 16)

	if len(input.InputIDs) > 16 {
		t.Errorf("token count = %d, want <= 16", len(input.InputIDs))
	}
	if input.InputIDs[len(input.InputIDs)-1] != tok.sepID {
		t.Error("truncated sequence must still end with [SEP]")
	}
}

func TestWordPieceTokenizer_UnknownWords(t *testing.T) {
	tok, _ := newWordPieceTokenizer("")

	input := tok.Tokenize("qqq", 16)

	// Everything between [CLS] and [SEP] should be [UNK] for an unknown
	// word with no matching subwords.
	for _, id := range input.InputIDs[1 : len(input.InputIDs)-1] {
		if id != tok.unkID {
			t.Errorf("token id = %d, want [UNK] id %d", id, tok.unkID)
		}
	}
}

func TestWordPieceTokenizer_Subwords(t *testing.T) {
	tok, _ := newWordPieceTokenizer("")

	// "errors" is not in the vocab but "error" + "##s" is.
	ids := tok.tokenizeWord("errors")
	want := []int64{tok.vocab["error"], tok.vocab["##s"]}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("tokenizeWord(errors) = %v, want %v", ids, want)
	}
}
