package search

import (
	"math"
	"sort"

	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

// ScoreInput is what a Scorer sees for one candidate hit.
type ScoreInput struct {
	CompoundID      emailmodel.CompoundID
	MatchedTerms    int
	TotalQueryTerms int
	BlockID         int64
}

// Scorer ranks a candidate hit. Hosts may supply their own.
type Scorer interface {
	Score(in ScoreInput) float64
}

// DefaultScorer implements spec.md §4.12's
// (matched-terms/total-terms) + small recency boost keyed on block_id.
type DefaultScorer struct{}

func (DefaultScorer) Score(in ScoreInput) float64 {
	if in.TotalQueryTerms == 0 {
		return 0
	}
	base := float64(in.MatchedTerms) / float64(in.TotalQueryTerms)
	recency := math.Log1p(float64(in.BlockID)) * 1e-6
	return base + recency
}

// Index is the read surface SearchEngine needs from IndexStore.
type Index interface {
	SearchTerm(term string) []emailmodel.CompoundID
	EnvelopeBlockIDForCompound(id emailmodel.CompoundID) (int64, bool)
}

// Hit is one scored, preview-assembled search result: the envelope, never
// the full email body.
type Hit struct {
	CompoundID emailmodel.CompoundID
	Score      float64
	Envelope   emailmodel.EmailEnvelope
}

// Engine is SearchEngine.
type Engine struct {
	index  Index
	bs     *blockstore.Store
	scorer Scorer
}

// New builds an Engine. A nil scorer uses DefaultScorer.
func New(index Index, bs *blockstore.Store, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	return &Engine{index: index, bs: bs, scorer: scorer}
}

// Query tokenizes query, unions posting lists, scores and ranks
// candidates, and assembles previews by fetching each distinct
// envelope block at most once.
func (e *Engine) Query(query string, topK int) ([]Hit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	matched := make(map[emailmodel.CompoundID]int)
	for _, t := range terms {
		for _, id := range e.index.SearchTerm(t) {
			matched[id]++
		}
	}

	type candidate struct {
		id    emailmodel.CompoundID
		score float64
	}
	candidates := make([]candidate, 0, len(matched))
	for id, count := range matched {
		score := e.scorer.Score(ScoreInput{
			CompoundID:      id,
			MatchedTerms:    count,
			TotalQueryTerms: len(terms),
			BlockID:         id.BlockID,
		})
		candidates = append(candidates, candidate{id: id, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id.BlockID > candidates[j].id.BlockID
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	envelopeCache := make(map[int64]emailmodel.FolderEnvelopeContent)
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		envBlockID, ok := e.index.EnvelopeBlockIDForCompound(c.id)
		if !ok {
			continue
		}
		content, cached := envelopeCache[envBlockID]
		if !cached {
			read, err := blockstore.Read[emailmodel.FolderEnvelopeContent](e.bs, envBlockID)
			if err != nil {
				continue
			}
			content = read
			envelopeCache[envBlockID] = content
		}
		for _, env := range content.Envelopes {
			if env.CompoundID == c.id {
				hits = append(hits, Hit{CompoundID: c.id, Score: c.score, Envelope: env})
				break
			}
		}
	}
	return hits, nil
}
