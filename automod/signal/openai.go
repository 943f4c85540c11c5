package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wardenbot/warden/util"

	"github.com/carlmjohnson/versioninfo"
)

// Client for the OpenAI moderation endpoint. Contributes category flags and
// a confidence (max category score); it does not produce a primary toxicity
// score of its own.
type OpenAIModerationClient struct {
	Client *http.Client
	APIKey string
	Host   string
}

func NewOpenAIModerationClient(apiKey string) *OpenAIModerationClient {
	return &OpenAIModerationClient{
		Client: util.RobustHTTPClient(),
		APIKey: apiKey,
		Host:   "https://api.openai.com",
	}
}

func (c *OpenAIModerationClient) Name() string {
	return "openai-moderation"
}

type openAIModerationRequest struct {
	Input string `json:"input"`
}

type openAIModerationResponse struct {
	Results []openAIModerationResult `json:"results"`
}

type openAIModerationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// Score checks the text against the moderation endpoint. An unset API key
// yields a neutral result, not an error.
func (c *OpenAIModerationClient) Score(ctx context.Context, text string) (*ProviderResult, error) {
	if c.APIKey == "" {
		return &ProviderResult{}, nil
	}

	body, err := json.Marshal(openAIModerationRequest{Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai moderation request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai moderation request failed statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai moderation resp body: %w", err)
	}
	var respObj openAIModerationResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse openai moderation resp JSON: %w", err)
	}
	if len(respObj.Results) == 0 {
		return &ProviderResult{}, nil
	}

	mod := respObj.Results[0]
	if !mod.Flagged {
		// unflagged responses count as no signal, so the fallback rules
		// still get a chance to run
		return &ProviderResult{}, nil
	}
	var confidence float64
	for _, v := range mod.CategoryScores {
		if v > confidence {
			confidence = v
		}
	}
	return &ProviderResult{
		Categories: mod.Categories,
		Confidence: confidence,
	}, nil
}
