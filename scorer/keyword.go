package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/bluesky-social/modgate/moderation"
)

const (
	// score contributed by each keyword hit
	keywordHitScore = 0.5
	// texts shorter than this are never scored as spam on repetition alone
	spamMinTokens = 8
	// metadata key holding text which accompanies image and video content
	CaptionMetadataKey = "caption"
)

// Text scorer which matches normalized tokens (and token pairs) against per-category keyword sets.
//
// Images and videos are scored on their caption metadata, if any.
type KeywordScorer struct {
	// JSON file of category name to keyword list, read by Load. Optional.
	SetsPath string

	logger *slog.Logger
	lk     sync.RWMutex
	sets   map[moderation.Category]map[string]bool
}

var _ Scorer = (*KeywordScorer)(nil)
var _ Loader = (*KeywordScorer)(nil)

func NewKeywordScorer(setsPath string, logger *slog.Logger) *KeywordScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordScorer{
		SetsPath: setsPath,
		logger:   logger.With("system", "scorer", "scorer", "keyword"),
		sets:     make(map[moderation.Category]map[string]bool),
	}
}

func (k *KeywordScorer) Name() string {
	return "keyword"
}

func (k *KeywordScorer) Kinds() []moderation.ContentKind {
	return []moderation.ContentKind{moderation.KindText, moderation.KindImage, moderation.KindVideo}
}

func (k *KeywordScorer) Load(ctx context.Context) error {
	if k.SetsPath == "" {
		return nil
	}
	f, err := os.Open(k.SetsPath)
	if err != nil {
		return fmt.Errorf("opening keyword sets: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := k.LoadJSON(f); err != nil {
		return fmt.Errorf("loading keyword sets %s: %w", k.SetsPath, err)
	}
	k.logger.Info("loaded keyword sets", "path", k.SetsPath, "categories", k.categoryCount())
	return nil
}

// Reads a JSON object of category name to keyword list. Keywords are normalized the same way content is, so sets can be written naturally. Categories already present are replaced.
func (k *KeywordScorer) LoadJSON(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}

	k.lk.Lock()
	defer k.lk.Unlock()
	for name, words := range sets {
		m := make(map[string]bool, len(words))
		for _, w := range words {
			toks := TokenizeText(w)
			if len(toks) == 0 {
				continue
			}
			m[strings.Join(toks, " ")] = true
		}
		k.sets[moderation.Category(name)] = m
	}
	return nil
}

func (k *KeywordScorer) categoryCount() int {
	k.lk.RLock()
	defer k.lk.RUnlock()
	return len(k.sets)
}

func (k *KeywordScorer) Score(ctx context.Context, in Input) (moderation.CategoryScores, error) {
	text := string(in.Content)
	if in.Kind != moderation.KindText {
		text = in.Metadata[CaptionMetadataKey]
	}
	scores := make(moderation.CategoryScores)
	tokens := TokenizeText(text)
	if len(tokens) == 0 {
		return scores, nil
	}
	in.report("normalized_text", strings.Join(tokens, " "))

	terms := make([]string, 0, len(tokens)*2)
	terms = append(terms, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		terms = append(terms, tokens[i]+" "+tokens[i+1])
	}

	k.lk.RLock()
	for cat, set := range k.sets {
		hits := 0
		for _, term := range terms {
			if set[term] {
				hits++
			}
		}
		if hits > 0 {
			keywordHits.WithLabelValues(string(cat)).Add(float64(hits))
			scores[cat] = math.Min(1, float64(hits)*keywordHitScore)
		}
	}
	k.lk.RUnlock()

	if spam := repetitionScore(tokens); spam > scores[moderation.CategorySpam] {
		scores[moderation.CategorySpam] = spam
	}
	return scores, nil
}

// fraction of tokens which are repeats of an earlier token
func repetitionScore(tokens []string) float64 {
	if len(tokens) < spamMinTokens {
		return 0
	}
	distinct := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		distinct[t] = true
	}
	return 1 - float64(len(distinct))/float64(len(tokens))
}
