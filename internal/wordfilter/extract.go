package wordfilter

import "encoding/json"

// ExtractTexts walks an inbound request payload and collects the text the
// filter should see: system prompts, user-role message segments, and
// OpenAI-style `input` / `instructions` fields. Assistant turns are skipped;
// the caller is only accountable for what the user sent. A payload that fails
// to parse yields no text, leaving blocking to upstream validation.
func ExtractTexts(body []byte) []string {
	var payload struct {
		System       json.RawMessage `json:"system"`
		Instructions string          `json:"instructions"`
		Messages     []message       `json:"messages"`
		Input        json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	var texts []string
	texts = append(texts, contentTexts(payload.System)...)
	if payload.Instructions != "" {
		texts = append(texts, payload.Instructions)
	}
	for _, m := range payload.Messages {
		if m.Role == "user" || m.Role == "system" {
			texts = append(texts, contentTexts(m.Content)...)
		}
	}
	texts = append(texts, inputTexts(payload.Input)...)
	return texts
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentTexts handles the two content shapes both dialects use: a bare
// string, or an array of typed segments with a `text` field.
func contentTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil
	}
	var texts []string
	for _, seg := range segments {
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
	}
	return texts
}

// inputTexts handles the OpenAI responses `input` field: a bare string or an
// array of role-tagged items whose content is again string-or-segments.
func inputTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var items []message
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var texts []string
	for _, item := range items {
		if item.Role == "" || item.Role == "user" || item.Role == "system" {
			texts = append(texts, contentTexts(item.Content)...)
		}
	}
	return texts
}
