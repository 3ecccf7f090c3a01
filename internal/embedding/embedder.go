// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding provides text embedding for semantic cache matching.
// The production implementation runs a MiniLM model through ONNX runtime;
// CosineSimilarity is exposed at package level so callers can compare
// vectors from any Embedder.
package embedding

import "math"

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths, empty vectors, and zero-magnitude vectors all yield
// 0.0 rather than an error so a bad embedding can never poison a lookup.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	normA = math.Sqrt(normA)
	normB = math.Sqrt(normB)
	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dot / (normA * normB)
}
