package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// PermissionDenial is one tool invocation a turn's permission system
// refused.
type PermissionDenial struct {
	Tool  string
	Input string
}

func (d PermissionDenial) String() string {
	if d.Input != "" {
		return fmt.Sprintf("%s(%s)", d.Tool, d.Input)
	}
	return d.Tool
}

// streamResult holds what a stream-json turn produced.
type streamResult struct {
	Text              string
	PermissionDenials []PermissionDenial
	SessionID         string
}

// processStream reads stream-json lines from stdout, mirroring assistant
// text to logFile and extracting the terminal result event. Malformed
// lines are skipped rather than aborting the turn — a single garbled
// event is not worth failing an otherwise-successful run over.
func processStream(ctx context.Context, stdout io.Reader, logFile io.Writer) (*streamResult, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var result streamResult
	var textBuf strings.Builder

	for scanner.Scan() {
		if ctx.Err() != nil {
			return &result, ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "stream_event":
			handleStreamEvent(&event, &textBuf, logFile)
		case "result":
			handleResultEvent(&event, &result)
		}
	}

	if err := scanner.Err(); err != nil {
		return &result, fmt.Errorf("agent: reading stream: %w", err)
	}
	result.Text = textBuf.String()
	return &result, nil
}

type streamEvent struct {
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
}

type nestedEvent struct {
	Type  string      `json:"type"`
	Delta *deltaBlock `json:"delta"`
}

type deltaBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type resultPayload struct {
	PermissionDenials []permDenialEntry `json:"permission_denials"`
	SessionID         string            `json:"session_id"`
}

type permDenialEntry struct {
	ToolName string `json:"tool_name"`
	Input    string `json:"input"`
}

func handleStreamEvent(event *streamEvent, textBuf *strings.Builder, logFile io.Writer) {
	if event.Event == nil {
		return
	}
	var nested nestedEvent
	if err := json.Unmarshal(event.Event, &nested); err != nil {
		return
	}
	if nested.Type == "content_block_delta" && nested.Delta != nil && nested.Delta.Type == "text_delta" {
		textBuf.WriteString(nested.Delta.Text)
		if logFile != nil {
			fmt.Fprint(logFile, nested.Delta.Text)
		}
	}
}

func handleResultEvent(event *streamEvent, result *streamResult) {
	if event.Result == nil {
		return
	}
	var payload resultPayload
	if err := json.Unmarshal(event.Result, &payload); err != nil {
		return
	}
	result.SessionID = payload.SessionID
	for _, d := range payload.PermissionDenials {
		result.PermissionDenials = append(result.PermissionDenials, PermissionDenial{Tool: d.ToolName, Input: d.Input})
	}
}
