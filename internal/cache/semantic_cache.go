// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache implements the semantic response cache. Lookups match on
// embedding cosine similarity rather than exact text, so rephrased requests
// can reuse earlier analysis results. The cache is strictly best-effort:
// every internal failure degrades to a miss and never blocks routing.
package cache

import (
	"bytes"
	"container/list"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/modelpilot/modelpilot/internal/embedding"
)

const (
	// MinQueryLength is the shortest query worth caching; anything below it
	// is too ambiguous to match semantically.
	MinQueryLength = 10

	// DefaultSimilarityThreshold is the cosine similarity needed for a hit.
	DefaultSimilarityThreshold = 0.85

	// DefaultMinConfidence gates admission: responses below it never enter
	// the cache.
	DefaultMinConfidence = 0.7

	// DefaultTTL is the entry lifetime.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxEntries bounds the cache size; the oldest entry is evicted
	// beyond it.
	DefaultMaxEntries = 1000
)

// Identifier-ish context keys that must never be stored alongside a cached
// response.
var sensitiveContextKeys = map[string]bool{
	"user_id":    true,
	"session_id": true,
	"api_key":    true,
	"auth_token": true,
	"email":      true,
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                          // SSN
	regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`),                   // email
	regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`),         // phone
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),                        // card number
}

// entry is one cached response. Entries live on an insertion-ordered list;
// the front is always the oldest.
type entry struct {
	id         string
	query      string
	vector     []float32
	blob       []byte // gzip-compressed JSON payload
	confidence float64
	tier       int
	context    map[string]string
	createdAt  time.Time
}

// Hit describes a successful lookup.
type Hit struct {
	ID         string
	Query      string
	Similarity float64
	Confidence float64
	Tier       int
	Age        time.Duration
}

// Metrics tracks cache performance counters.
type Metrics struct {
	Hits      int64
	Misses    int64
	Stores    int64
	Skips     int64
	Evictions int64
	Size      int
}

// Options configures a SemanticCache. Zero values select the defaults.
type Options struct {
	SimilarityThreshold float64
	MinConfidence       float64
	TTL                 time.Duration
	MaxEntries          int
}

// SemanticCache matches queries to previously computed responses by
// embedding similarity.
type SemanticCache struct {
	embedder embedding.Embedder
	opts     Options

	mu    sync.Mutex
	order *list.List // *entry, oldest at front
	now   func() time.Time

	hits      int64
	misses    int64
	stores    int64
	skips     int64
	evictions int64
}

// NewSemanticCache creates a cache backed by the given embedder.
func NewSemanticCache(embedder embedding.Embedder, opts Options) *SemanticCache {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &SemanticCache{
		embedder: embedder,
		opts:     opts,
		order:    list.New(),
		now:      time.Now,
	}
}

// Cacheable reports whether a query may touch the cache at all. Short
// queries, bypass requests, and queries carrying PII are excluded.
func (c *SemanticCache) Cacheable(query string, bypass bool) bool {
	if bypass {
		return false
	}
	if len(strings.TrimSpace(query)) < MinQueryLength {
		return false
	}
	return !ContainsPII(query)
}

// ContainsPII reports whether text matches any of the PII patterns.
func ContainsPII(text string) bool {
	for _, p := range piiPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Lookup finds the most similar cached entry at or above the similarity
// threshold and decodes its payload into target. It returns nil on a miss.
// Embedding or decode failures are logged and treated as misses.
func (c *SemanticCache) Lookup(query string, bypass bool, target interface{}) *Hit {
	if !c.Cacheable(query, bypass) {
		c.mu.Lock()
		c.skips++
		c.mu.Unlock()
		return nil
	}

	vector, err := c.embedder.Embed(query)
	if err != nil {
		log.Debugf("Cache lookup: embedding failed, treating as miss: %v", err)
		c.miss()
		return nil
	}

	c.mu.Lock()
	best, bestSim := c.bestMatchLocked(vector)
	if best == nil {
		c.misses++
		c.mu.Unlock()
		return nil
	}
	// Copy what we need before releasing the lock.
	hit := &Hit{
		ID:         best.id,
		Query:      best.query,
		Similarity: bestSim,
		Confidence: best.confidence,
		Tier:       best.tier,
		Age:        c.now().Sub(best.createdAt),
	}
	blob := best.blob
	c.hits++
	c.mu.Unlock()

	if target != nil {
		if err := decodeBlob(blob, target); err != nil {
			log.Warnf("Cache lookup: failed to decode entry %s, treating as miss: %v", hit.ID, err)
			c.mu.Lock()
			c.hits--
			c.misses++
			c.mu.Unlock()
			return nil
		}
	}
	return hit
}

// bestMatchLocked scans live entries for the highest similarity above the
// threshold, dropping expired entries as it goes. Caller holds c.mu.
func (c *SemanticCache) bestMatchLocked(vector []float32) (*entry, float64) {
	now := c.now()
	var best *entry
	bestSim := 0.0

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.createdAt) > c.opts.TTL {
			c.order.Remove(el)
			el = next
			continue
		}
		sim := embedding.CosineSimilarity(vector, e.vector)
		if sim >= c.opts.SimilarityThreshold && sim > bestSim {
			best = e
			bestSim = sim
		}
		el = next
	}
	return best, bestSim
}

// Store admits a response into the cache. Responses from failed requests,
// responses below the confidence floor, and uncacheable queries are
// silently skipped. Identifier context keys are stripped before storage.
func (c *SemanticCache) Store(query string, payload interface{}, confidence float64, success bool, tier int, reqContext map[string]string) {
	c.mu.Lock()
	minConfidence := c.opts.MinConfidence
	c.mu.Unlock()
	if !success || confidence < minConfidence || !c.Cacheable(query, false) {
		c.mu.Lock()
		c.skips++
		c.mu.Unlock()
		return
	}

	vector, err := c.embedder.Embed(query)
	if err != nil {
		log.Debugf("Cache store: embedding failed, skipping: %v", err)
		return
	}

	blob, err := encodeBlob(payload)
	if err != nil {
		log.Warnf("Cache store: failed to encode payload, skipping: %v", err)
		return
	}

	e := &entry{
		id:         uuid.NewString(),
		query:      query,
		vector:     vector,
		blob:       blob,
		confidence: confidence,
		tier:       tier,
		context:    sanitizeContext(reqContext),
		createdAt:  c.now(),
	}

	c.mu.Lock()
	c.order.PushBack(e)
	c.stores++
	for c.order.Len() > c.opts.MaxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		c.evictions++
		log.Debugf("Cache evicted oldest entry %s", oldest.Value.(*entry).id)
	}
	c.mu.Unlock()
}

// SetTTL updates the entry lifetime. Existing entries are re-evaluated
// against the new TTL on their next lookup. Non-positive values are ignored.
func (c *SemanticCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.opts.TTL = ttl
	c.mu.Unlock()
}

// SetMinConfidence updates the admission confidence floor. Values outside
// (0,1] are ignored.
func (c *SemanticCache) SetMinConfidence(min float64) {
	if min <= 0 || min > 1 {
		return
	}
	c.mu.Lock()
	c.opts.MinConfidence = min
	c.mu.Unlock()
}

func (c *SemanticCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *SemanticCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
}

// Size returns the current entry count.
func (c *SemanticCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// GetMetrics returns a snapshot of the cache counters.
func (c *SemanticCache) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Hits:      c.hits,
		Misses:    c.misses,
		Stores:    c.stores,
		Skips:     c.skips,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}

// GetMetricsAsMap returns the counters in a generic map for stats endpoints.
func (c *SemanticCache) GetMetricsAsMap() map[string]interface{} {
	m := c.GetMetrics()
	total := m.Hits + m.Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(m.Hits) / float64(total)
	}
	return map[string]interface{}{
		"hits":      m.Hits,
		"misses":    m.Misses,
		"stores":    m.Stores,
		"skips":     m.Skips,
		"evictions": m.Evictions,
		"size":      m.Size,
		"hit_rate":  hitRate,
	}
}

// sanitizeContext copies reqContext without identifier keys.
func sanitizeContext(reqContext map[string]string) map[string]string {
	if len(reqContext) == 0 {
		return nil
	}
	out := make(map[string]string, len(reqContext))
	for k, v := range reqContext {
		if sensitiveContextKeys[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// encodeBlob marshals payload to JSON and gzips it.
func encodeBlob(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBlob gunzips and unmarshals a stored payload into target.
func decodeBlob(blob []byte, target interface{}) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return json.Unmarshal(raw, target)
}
