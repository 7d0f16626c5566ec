package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leadflow/internal/models"
)

// stripMarkdownCodeBlock removes markdown code block delimiters from AI responses
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	startIdx := strings.Index(response, "{")
	if startIdx == -1 {
		return response
	}

	endIdx := strings.LastIndex(response, "}")
	if endIdx == -1 || endIdx < startIdx {
		return response
	}

	return response[startIdx : endIdx+1]
}

// Draft is an AI-written auto-response
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// parseDraft decodes a drafting response, falling back to the template subject
func parseDraft(response, fallbackSubject string) (*Draft, error) {
	var draft Draft
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(response)), &draft); err != nil {
		return nil, fmt.Errorf("failed to parse draft response: %w", err)
	}
	draft.Body = strings.TrimSpace(draft.Body)
	if draft.Body == "" {
		return nil, fmt.Errorf("draft response has an empty body")
	}
	draft.Subject = strings.TrimSpace(draft.Subject)
	if draft.Subject == "" {
		draft.Subject = fallbackSubject
	}
	return &draft, nil
}

// DraftResponse writes a personalised reply for lead using tmpl as the tone reference
func (c *Client) DraftResponse(ctx context.Context, lead *models.Lead, tmpl *models.ResponseTemplate) (*Draft, error) {
	location := ""
	if lead.Location != nil {
		location = strings.TrimSpace(lead.Location.City + ", " + lead.Location.State)
		location = strings.Trim(location, ", ")
	}

	userPrompt := fmt.Sprintf(ResponseDraftUserPrompt,
		lead.Title,
		truncate(lead.Description, 2000),
		lead.ContactName,
		lead.Company,
		location,
		tmpl.Subject,
		tmpl.Body,
	)

	response, err := c.completeJSON(ctx, ResponseDraftSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	draft, err := parseDraft(response, tmpl.Subject)
	if err != nil {
		c.log.Error().
			Err(err).
			Uint("lead_id", lead.ID).
			Str("response", response).
			Msg("Failed to parse draft response")
		return nil, err
	}
	return draft, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
