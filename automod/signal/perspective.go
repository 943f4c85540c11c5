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
	"golang.org/x/time/rate"
)

// Client for a Perspective-style comment analyzer API.
//
// schema: https://developers.perspectiveapi.com/s/about-the-api-methods
type PerspectiveClient struct {
	Client *http.Client
	APIKey string
	Host   string
	// optional upstream request rate limit
	Limiter *rate.Limiter
}

var perspectiveAttributes = []string{
	"TOXICITY",
	"SEVERE_TOXICITY",
	"IDENTITY_ATTACK",
	"INSULT",
	"PROFANITY",
	"THREAT",
	"SEXUALLY_EXPLICIT",
	"FLIRTATION",
}

func NewPerspectiveClient(apiKey string) *PerspectiveClient {
	return &PerspectiveClient{
		Client: util.RobustHTTPClient(),
		APIKey: apiKey,
		Host:   "https://commentanalyzer.googleapis.com",
	}
}

func (c *PerspectiveClient) Name() string {
	return "perspective"
}

type perspectiveRequest struct {
	Comment             perspectiveComment        `json:"comment"`
	Languages           []string                  `json:"languages"`
	RequestedAttributes map[string]map[string]any `json:"requestedAttributes"`
}

type perspectiveComment struct {
	Text string `json:"text"`
}

type perspectiveResponse struct {
	AttributeScores map[string]perspectiveAttrScore `json:"attributeScores"`
}

type perspectiveAttrScore struct {
	SummaryScore perspectiveScore `json:"summaryScore"`
}

type perspectiveScore struct {
	Value float64 `json:"value"`
}

// Score reports the highest attribute summary score as toxicity. An unset
// API key yields a neutral result, not an error.
func (c *PerspectiveClient) Score(ctx context.Context, text string) (*ProviderResult, error) {
	if c.APIKey == "" {
		return &ProviderResult{}, nil
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attrs := make(map[string]map[string]any, len(perspectiveAttributes))
	for _, a := range perspectiveAttributes {
		attrs[a] = map[string]any{}
	}
	body, err := json.Marshal(perspectiveRequest{
		Comment:             perspectiveComment{Text: text},
		Languages:           []string{"en"},
		RequestedAttributes: attrs,
	})
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1alpha1/comments:analyze?key=%s", c.Host, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perspective request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("perspective request failed statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read perspective resp body: %w", err)
	}
	var respObj perspectiveResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse perspective resp JSON: %w", err)
	}

	var max float64
	for _, attr := range respObj.AttributeScores {
		if attr.SummaryScore.Value > max {
			max = attr.SummaryScore.Value
		}
	}
	return &ProviderResult{Toxicity: max}, nil
}
