// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is a progress token shown to the user. The set is open: the search
// service may send tokens of its own, which are relayed unchanged.
type Status string

// Known status tokens.
const (
	StatusChatCreated     Status = "chat_created"
	StatusStartingSearch  Status = "starting_search"
	StatusSearching       Status = "searching"
	StatusFetchingResults Status = "fetching_results"
	StatusFoundResults    Status = "found_results"
	StatusGenerating      Status = "generating"
	StatusCompleted       Status = "completed"
)

var statusLabels = map[Status]string{
	StatusChatCreated:     "Starting a new chat...",
	StatusStartingSearch:  "Searching the web...",
	StatusSearching:       "Searching the web...",
	StatusFetchingResults: "Fetching search results...",
	StatusFoundResults:    "Found relevant information...",
	StatusGenerating:      "Generating response...",
	StatusCompleted:       "Done",
}

// Label returns the display text for s.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return "Processing your request..."
}

// =============================================================================
// FRAME
// =============================================================================

// Frame is one event of the outbound stream: either a status or a content
// delta. ChatID is only set on chat_created.
type Frame struct {
	Status  Status
	ChatID  string
	Content string
}

// IsDelta reports whether f carries content.
func (f Frame) IsDelta() bool {
	return f.Status == ""
}

type statusJSON struct {
	Status Status `json:"status"`
	ChatID string `json:"chat_id,omitempty"`
}

type deltaJSON struct {
	Choices []choiceJSON `json:"choices"`
}

type choiceJSON struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// MarshalJSON encodes f as {"status":...} or {"choices":[{"delta":{"content":...}}]}.
func (f Frame) MarshalJSON() ([]byte, error) {
	if !f.IsDelta() {
		return json.Marshal(statusJSON{Status: f.Status, ChatID: f.ChatID})
	}
	var c choiceJSON
	c.Delta.Content = f.Content
	return json.Marshal(deltaJSON{Choices: []choiceJSON{c}})
}

// UnmarshalJSON decodes either frame shape.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status  Status       `json:"status"`
		ChatID  string       `json:"chat_id"`
		Choices []choiceJSON `json:"choices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Status != "":
		*f = Frame{Status: raw.Status, ChatID: raw.ChatID}
	case len(raw.Choices) > 0:
		*f = Frame{Content: raw.Choices[0].Delta.Content}
	default:
		return errors.New("frame has neither status nor choices")
	}
	return nil
}

// WriteTo writes f in the wire format "data: <json>\n\n".
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	payload, err := f.MarshalJSON()
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.WriteTo(w)
}
