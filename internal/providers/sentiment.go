package providers

import (
	"context"

	"github.com/rs/zerolog/log"
)

// SentimentLabel classifies one text.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Classification is the black-box classifier output for one text.
type Classification struct {
	Label         SentimentLabel     `json:"label"`
	Score         float64            `json:"score"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// SentimentClassifier is the external model contract.
type SentimentClassifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// SentimentConfig holds thresholds for label assignment and batch
// degradation.
type SentimentConfig struct {
	PosThreshold float64
	NegThreshold float64
	FailRate     float64 // batch degrade threshold
}

// SentimentConfigFromEnv reads classifier thresholds.
func SentimentConfigFromEnv() SentimentConfig {
	return SentimentConfig{
		PosThreshold: envFloat("SENTIMENT_POS_THRESH", 0.25),
		NegThreshold: envFloat("SENTIMENT_NEG_THRESH", -0.25),
		FailRate:     envFloat("SENTIMENT_FAIL_RATE", 0.3),
	}
}

// BatchSentiment is the outcome for one batch of texts. When the failure
// rate exceeds the threshold the whole batch carries Degrade="model_off"
// and consumers must treat every item as neutral.
type BatchSentiment struct {
	Labels  []SentimentLabel
	Scores  []float64
	Degrade string
}

// httpClassifier calls the hosted classifier service.
type httpClassifier struct {
	baseURL string
	client  *Client
}

// NewHTTPClassifier builds a classifier against a JSON scoring endpoint.
func NewHTTPClassifier(baseURL string, timeoutMS int) SentimentClassifier {
	return &httpClassifier{
		baseURL: baseURL,
		client:  NewClient(ClientConfig{Name: "sentiment", TimeoutMS: timeoutMS, MaxRetries: 1}),
	}
}

func (c *httpClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	var out Classification
	if err := c.client.PostJSON(ctx, c.baseURL+"/classify", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SentimentProvider wraps the classifier with score/label derivation.
type SentimentProvider struct {
	classifier SentimentClassifier
	cfg        SentimentConfig
}

// NewSentimentProvider wires the provider. A nil classifier yields a
// provider that always reports model_off.
func NewSentimentProvider(classifier SentimentClassifier, cfg SentimentConfig) *SentimentProvider {
	return &SentimentProvider{classifier: classifier, cfg: cfg}
}

// ClassifyBatch scores a batch of texts. Final score per item is
// p(pos) - p(neg) clamped to [-1, 1]; labels follow the thresholds.
func (p *SentimentProvider) ClassifyBatch(ctx context.Context, texts []string) *BatchSentiment {
	out := &BatchSentiment{
		Labels: make([]SentimentLabel, len(texts)),
		Scores: make([]float64, len(texts)),
	}
	if p.classifier == nil {
		out.Degrade = "model_off"
		for i := range out.Labels {
			out.Labels[i] = SentimentNeutral
		}
		return out
	}

	failures := 0
	for i, text := range texts {
		cls, err := p.classifier.Classify(ctx, text)
		if err != nil {
			failures++
			out.Labels[i] = SentimentNeutral
			continue
		}
		score := clamp(cls.Probabilities["positive"]-cls.Probabilities["negative"], -1, 1)
		out.Scores[i] = score
		out.Labels[i] = p.labelFor(score)
	}

	if len(texts) > 0 && float64(failures)/float64(len(texts)) > p.cfg.FailRate {
		log.Warn().Str("stage", "sentiment").Int("failures", failures).
			Int("batch", len(texts)).Msg("classifier failure rate exceeded, batch degraded")
		out.Degrade = "model_off"
		for i := range out.Labels {
			out.Labels[i] = SentimentNeutral
			out.Scores[i] = 0
		}
	}
	return out
}

func (p *SentimentProvider) labelFor(score float64) SentimentLabel {
	switch {
	case score >= p.cfg.PosThreshold:
		return SentimentPositive
	case score <= p.cfg.NegThreshold:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
