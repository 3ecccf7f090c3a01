// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// MiniLMDimension is the output dimension of the all-MiniLM-L6-v2 model.
	MiniLMDimension = 384

	// MaxSequenceLength caps tokenized input length, including special tokens.
	MaxSequenceLength = 256
)

// ONNXConfig configures the local embedding engine.
type ONNXConfig struct {
	// ModelPath is the path to the MiniLM ONNX model file.
	ModelPath string
	// VocabPath is the path to the WordPiece vocabulary. When empty, a
	// built-in minimal vocabulary is used.
	VocabPath string
	// SharedLibraryPath overrides the ONNX runtime shared library location.
	SharedLibraryPath string
}

// ONNXEngine embeds text with a local MiniLM model. It implements Embedder
// and is safe for concurrent use.
type ONNXEngine struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
	dimension int

	mu     sync.RWMutex
	closed bool
}

// NewONNXEngine loads the model and prepares the engine for inference.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding: model file not found: %s", cfg.ModelPath)
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("embedding: failed to initialize ONNX runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to load ONNX model: %w", err)
	}

	tokenizer, err := newWordPieceTokenizer(cfg.VocabPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("embedding: failed to initialize tokenizer: %w", err)
	}

	log.Infof("Embedding engine initialized with model: %s", filepath.Base(cfg.ModelPath))
	return &ONNXEngine{
		session:   session,
		tokenizer: tokenizer,
		dimension: MiniLMDimension,
	}, nil
}

// Dimension returns the embedding vector size.
func (e *ONNXEngine) Dimension() int { return e.dimension }

// Embed tokenizes text and runs it through the model, returning a
// mean-pooled, L2-normalized vector.
func (e *ONNXEngine) Embed(text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, fmt.Errorf("embedding: engine is closed")
	}

	tokens := e.tokenizer.Tokenize(text, MaxSequenceLength)
	vec, err := e.runInference(tokens)
	if err != nil {
		return nil, fmt.Errorf("embedding: inference failed: %w", err)
	}
	return vec, nil
}

// runInference executes the model. Must be called with the read lock held.
func (e *ONNXEngine) runInference(tokens *tokenizedInput) ([]float32, error) {
	seqLen := int64(len(tokens.InputIDs))

	inputIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attentionMask, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attentionMask.Destroy()

	tokenTypeIDs, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDs.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(e.dimension)))
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer output.Destroy()

	err = e.session.Run(
		[]ort.ArbitraryTensor{inputIDs, attentionMask, tokenTypeIDs},
		[]ort.ArbitraryTensor{output},
	)
	if err != nil {
		return nil, err
	}

	vec := meanPool(output.GetData(), tokens.AttentionMask, int(seqLen), e.dimension)
	return l2Normalize(vec), nil
}

// meanPool averages token embeddings over the sequence, weighted by the
// attention mask.
func meanPool(hidden []float32, attentionMask []int64, seqLen, dim int) []float32 {
	vec := make([]float32, dim)
	var weight float32

	for i := 0; i < seqLen; i++ {
		if attentionMask[i] != 1 {
			continue
		}
		for j := 0; j < dim; j++ {
			vec[j] += hidden[i*dim+j]
		}
		weight++
	}

	if weight > 0 {
		for j := 0; j < dim; j++ {
			vec[j] /= weight
		}
	}
	return vec
}

func l2Normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Close releases ONNX runtime resources.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.closed = true
	log.Info("Embedding engine shut down")
	return nil
}
