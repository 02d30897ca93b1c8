package processors

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"

	"videoSearch/core"
	"videoSearch/embedding"
	"videoSearch/storage"
)

const (
	defaultTopK = 5
	maxTopK     = 100
)

// SearchRequest 文本检索请求
type SearchRequest struct {
	Query    string
	TopK     int
	VideoID  string
	Modality core.Modality
}

// Searcher 文本到时刻的检索
type Searcher struct {
	engine       *embedding.Engine
	index        storage.VectorIndex
	visualWeight float64
	audioWeight  float64
	logger       *log.Logger
}

// NewSearcher 创建检索器；权重 <= 0 视为 1
func NewSearcher(engine *embedding.Engine, index storage.VectorIndex, visualWeight, audioWeight float64) *Searcher {
	if visualWeight <= 0 {
		visualWeight = 1
	}
	if audioWeight <= 0 {
		audioWeight = 1
	}
	return &Searcher{
		engine:       engine,
		index:        index,
		visualWeight: visualWeight,
		audioWeight:  audioWeight,
		logger:       log.New(os.Stdout, "[SEARCH] ", log.LstdFlags),
	}
}

// Search 执行检索；查询嵌入或索引失败时返回空结果
func (s *Searcher) Search(ctx context.Context, req SearchRequest) []core.SearchResult {
	results := []core.SearchResult{}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return results
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vecs := s.engine.EncodeTexts(ctx, []string{query})
	if len(vecs) == 0 {
		s.logger.Printf("%v: %q", core.ErrQueryEmbeddingFailure, query)
		return results
	}

	hits, err := s.index.Query(ctx, vecs[0], topK, storage.Filter{VideoID: req.VideoID, Modality: req.Modality})
	if err != nil {
		s.logger.Printf("index query failed: %v", err)
		return results
	}

	for _, h := range hits {
		score := h.Score
		switch h.Payload.Modality() {
		case core.ModalityVisual:
			score *= s.visualWeight
		case core.ModalityAudio:
			score *= s.audioWeight
		}
		results = append(results, core.ResultFromPayload(score, h.Payload))
	}
	if s.visualWeight != 1 || s.audioWeight != 1 {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	}
	return results
}
