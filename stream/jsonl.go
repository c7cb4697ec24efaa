package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// JSONParser parses claude-style stream-json output: one JSON object per
// line. Lines that are not valid JSON are passed through as KindText so a
// program that mixes banners or warnings into stdout doesn't kill the run.
type JSONParser struct{}

func (JSONParser) NewStream(r io.Reader) MessageStream {
	scanner := bufio.NewScanner(r)
	// Agent lines carry whole file diffs; the default 64K token limit is
	// not enough.
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	return &jsonDecoder{scanner: scanner}
}

type jsonDecoder struct {
	scanner *bufio.Scanner
	pending []Message
}

func (d *jsonDecoder) Next() (Message, error) {
	for {
		if len(d.pending) > 0 {
			msg := d.pending[0]
			d.pending = d.pending[1:]
			return msg, nil
		}

		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, io.EOF
		}

		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		d.pending = parseLine(line)
	}
}

// Wire shapes for the stream-json protocol. Older agent builds report
// cost_usd, newer ones total_cost_usd; both are accepted.
type wireLine struct {
	Type         string       `json:"type"`
	Subtype      string       `json:"subtype"`
	SessionID    string       `json:"session_id"`
	CostUSD      float64      `json:"cost_usd"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	IsError      bool         `json:"is_error"`
	Result       string       `json:"result"`
	Usage        *TokenUsage  `json:"usage"`
	Message      *wireMessage `json:"message"`
}

type wireMessage struct {
	Content []wireContent `json:"content"`
	Usage   *TokenUsage   `json:"usage"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

func parseLine(line string) []Message {
	raw := json.RawMessage(line)

	var w wireLine
	if err := json.Unmarshal([]byte(line), &w); err != nil || w.Type == "" {
		return []Message{{Kind: KindText, Text: line, Raw: raw}}
	}

	cost := w.TotalCostUSD
	if cost == 0 {
		cost = w.CostUSD
	}

	switch w.Type {
	case "system":
		return []Message{{
			Kind:      KindSystem,
			Raw:       raw,
			SessionID: w.SessionID,
		}}

	case "assistant":
		msgs := make([]Message, 0, 1)
		assistant := Message{
			Kind:      KindAssistant,
			Raw:       raw,
			SessionID: w.SessionID,
			CostUSD:   cost,
		}
		if w.Message != nil {
			if w.Message.Usage != nil {
				assistant.Tokens = *w.Message.Usage
			}
			var text strings.Builder
			for _, block := range w.Message.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
				case "tool_use":
					msgs = append(msgs, Message{
						Kind:      KindToolUse,
						Raw:       raw,
						ToolName:  block.Name,
						SessionID: w.SessionID,
					})
				}
			}
			assistant.Text = text.String()
		}
		return append([]Message{assistant}, msgs...)

	case "result":
		msg := Message{
			Kind:      KindResult,
			Raw:       raw,
			SessionID: w.SessionID,
			CostUSD:   cost,
			Text:      w.Result,
			IsError:   w.IsError || (w.Subtype != "" && w.Subtype != "success"),
		}
		if w.Usage != nil {
			msg.Tokens = *w.Usage
		}
		return []Message{msg}

	default:
		return []Message{{Kind: KindText, Raw: raw, Text: line, SessionID: w.SessionID}}
	}
}

// TextParser treats every line of output as one KindText message. Used for
// agent programs that don't speak stream-json.
type TextParser struct{}

func (TextParser) NewStream(r io.Reader) MessageStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &textDecoder{scanner: scanner}
}

type textDecoder struct {
	scanner *bufio.Scanner
}

func (d *textDecoder) Next() (Message, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return Message{Kind: KindText, Text: d.scanner.Text()}, nil
}
