package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/util"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const DefaultHiveEndpoint = "https://api.thehive.ai/api/v2/task/sync"

var tracer = otel.Tracer("modgate/scorer")

// schema: https://docs.thehive.ai/reference/classification
type HiveResp struct {
	Status []HiveResp_Status `json:"status"`
}

type HiveResp_Status struct {
	Response HiveResp_Response `json:"response"`
}

type HiveResp_Response struct {
	Output []HiveResp_Out `json:"output"`
}

type HiveResp_Out struct {
	Time    float64          `json:"time"`
	Classes []HiveResp_Class `json:"classes"`
}

type HiveResp_Class struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

type hiveClassMapping struct {
	Category moderation.Category
	// class scores below this are reported as zero. Used for categories where the decision engine is very strict, so that low-confidence noise doesn't block.
	Floor float64
}

// hive class descriptions: https://docs.thehive.ai/docs/sexual-content and https://docs.thehive.ai/docs/class-descriptions-violence-gore
var hiveClasses = map[string]hiveClassMapping{
	"yes_sexual_activity":        {Category: moderation.CategorySexualContent},
	"yes_realistic_nsfw":         {Category: moderation.CategorySexualContent},
	"animal_genitalia_and_human": {Category: moderation.CategorySexualContent},
	"general_nsfw":               {Category: moderation.CategorySexualContent},
	"yes_sexual_intent":          {Category: moderation.CategorySexualContent},
	"yes_sex_toy":                {Category: moderation.CategorySexualContent},
	"yes_male_nudity":            {Category: moderation.CategoryNudity},
	"yes_female_nudity":          {Category: moderation.CategoryNudity},
	"yes_undressed":              {Category: moderation.CategoryNudity},
	"very_bloody":                {Category: moderation.CategoryBlood},
	"a_little_bloody":            {Category: moderation.CategoryBlood},
	"human_corpse":               {Category: moderation.CategoryViolence},
	"hanging":                    {Category: moderation.CategoryViolence},
	"yes_fight":                  {Category: moderation.CategoryViolence},
	"gun_in_hand":                {Category: moderation.CategoryWeapons},
	"gun_not_in_hand":            {Category: moderation.CategoryWeapons},
	"knife_in_hand":              {Category: moderation.CategoryWeapons},
	"yes_pills":                  {Category: moderation.CategoryDrugs},
	"illicit_injectables":        {Category: moderation.CategoryDrugs},
	"yes_nazi":                   {Category: moderation.CategoryHate},
	"yes_kkk":                    {Category: moderation.CategoryHate},
	"yes_self_harm":              {Category: moderation.CategorySelfHarm, Floor: 0.96},
	"yes_terrorist":              {Category: moderation.CategoryTerrorism, Floor: 0.96},
}

// Maps Hive classes to categories, keeping the highest class score per category.
func (resp *HiveResp) CategoryScores() moderation.CategoryScores {
	scores := make(moderation.CategoryScores)
	for _, status := range resp.Status {
		for _, out := range status.Response.Output {
			for _, cls := range out.Classes {
				m, ok := hiveClasses[cls.Class]
				if !ok {
					continue
				}
				score := cls.Score
				if score < m.Floor {
					score = 0
				}
				scores.Merge(moderation.CategoryScores{m.Category: score})
			}
		}
	}
	return scores
}

// Image and video scorer backed by the Hive AI synchronous classification API.
type HiveScorer struct {
	Client   *http.Client
	ApiToken string
	Endpoint string
	// outbound request limit; nil for unlimited
	Limiter *rate.Limiter

	logger *slog.Logger
}

var _ Scorer = (*HiveScorer)(nil)

// perSecond <= 0 disables the outbound rate limit.
func NewHiveScorer(token string, perSecond float64, logger *slog.Logger) *HiveScorer {
	if logger == nil {
		logger = slog.Default()
	}
	var lim *rate.Limiter
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &HiveScorer{
		Client:   util.RobustHTTPClient(),
		ApiToken: token,
		Endpoint: DefaultHiveEndpoint,
		Limiter:  lim,
		logger:   logger.With("system", "scorer", "scorer", "hive"),
	}
}

func (h *HiveScorer) Name() string {
	return "hive"
}

func (h *HiveScorer) Kinds() []moderation.ContentKind {
	return []moderation.ContentKind{moderation.KindImage, moderation.KindVideo}
}

func (h *HiveScorer) Score(ctx context.Context, in Input) (moderation.CategoryScores, error) {
	ctx, span := tracer.Start(ctx, "HiveScore")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", in.JobID), attribute.Int("size", len(in.Content)))

	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	h.logger.Debug("sending content to Hive AI", "job_id", in.JobID, "kind", in.Kind, "size", len(in.Content))

	// generic HTTP form file upload, then parse the response JSON
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("media", in.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(in.Content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.Endpoint, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		hiveAPIDuration.Observe(time.Since(start).Seconds())
	}()

	req.Header.Set("Authorization", fmt.Sprintf("Token %s", h.ApiToken))
	req.Header.Add("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "modgate/"+versioninfo.Short())

	res, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HiveAI request failed: %w", err)
	}
	defer res.Body.Close()

	hiveAPICount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HiveAI request failed statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read HiveAI resp body: %w", err)
	}

	var respObj HiveResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse HiveAI resp JSON: %w", err)
	}
	scores := respObj.CategoryScores()
	h.logger.Debug("hive-ai-response", "job_id", in.JobID, "scores", scores)
	return scores, nil
}
