// Package toolloop implements the generative tool-calling provider. It runs a
// bounded conversation against a Messages-style API: the model's streamed text
// goes to the job output, tool calls are executed through the tool registry,
// and their results are fed back until the model answers without requesting
// tools or the round limit is reached.
package toolloop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/foreman/internal/config"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/provider"
	"github.com/seantiz/foreman/internal/tools"
)

const (
	apiVersion      = "2023-06-01"
	toolCallTimeout = 30 * time.Second
)

// errAbortRequested signals a cooperative abort observed between chunks.
var errAbortRequested = errors.New("abort requested")

// message is one conversation turn sent to the API.
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// contentBlock is a single block inside a structured message turn. Which
// fields are set depends on Type: "text", "tool_use" or "tool_result".
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Tools     []toolDef `json:"tools,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

// citation is a source reference attached to streamed text.
type citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// streamChunk mirrors the server-sent event payloads of the streaming API.
type streamChunk struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Model string `json:"model"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string    `json:"type"`
		Text        string    `json:"text"`
		PartialJSON string    `json:"partial_json"`
		Citation    *citation `json:"citation"`
	} `json:"delta"`
}

// toolCall is one tool invocation requested by the model.
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// turn is the assembled result of one streamed assistant response.
type turn struct {
	text      string
	toolCalls []toolCall
	model     string
	citations []citation
}

// Provider runs jobs as tool-calling conversations.
type Provider struct {
	cfg       config.ToolLoopConfig
	registry  tools.Registry
	tailLimit int
	handles   *provider.HandleTable
	httpc     *http.Client
	logger    *slog.Logger
}

// New creates a tool-loop provider backed by the given tool registry.
func New(cfg config.ToolLoopConfig, reg tools.Registry, tailLimit int, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:       cfg,
		registry:  reg,
		tailLimit: tailLimit,
		handles:   provider.NewHandleTable(),
		httpc:     &http.Client{Timeout: 5 * time.Minute},
		logger:    logger,
	}
}

// Name returns the registry name of this provider.
func (p *Provider) Name() string { return model.ProviderToolLoop }

// Abort flips the cooperative abort flag for the given job. The loop observes
// it between rounds and between streamed chunks; an in-flight network call is
// never interrupted.
func (p *Provider) Abort(jobID string) bool {
	return p.handles.Abort(jobID)
}

// Execute runs the conversation loop for one job.
func (p *Provider) Execute(ctx context.Context, job model.Job, ec provider.ExecContext) (provider.Result, error) {
	tail := provider.NewTailBuffer(p.tailLimit)
	out := io.Writer(tail)
	if ec.Sink != nil {
		out = io.MultiWriter(ec.Sink, tail)
	}

	// 1. Register the abort target. A cancel that arrived while the job was
	// still queued fires here and the job never talks to the API.
	var aborted atomic.Bool
	if !p.handles.Register(job.ID, func() { aborted.Store(true) }) {
		return p.abortResult(tail), nil
	}
	defer p.handles.Deregister(job.ID)

	// 2. The session key is the opaque handle persisted on the job record.
	if ec.RegisterHandle != nil {
		ec.RegisterHandle("session:" + uuid.NewString())
	}

	defs := p.toolDefs()
	msgs := []message{{Role: "user", Content: job.Prompt}}

	var deadline time.Time
	if p.cfg.Budget > 0 {
		deadline = time.Now().Add(p.cfg.Budget)
	}

	maxRounds := p.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	modelLabel := ""
	var sources []citation

	// 3. Conversation rounds. Each round is one API call plus the execution
	// of whatever tool calls it requested.
	for round := 1; round <= maxRounds; round++ {
		if aborted.Load() {
			return p.abortResult(tail), nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Fprintf(out, "\n[foreman] time budget %s exceeded, stopping tool loop\n", p.cfg.Budget)
			return provider.Result{
				OutputTail: tail.String(),
				Exit:       model.ExitInfo{Code: 124, Signal: model.SignalTimeoutKill},
				ModelLabel: modelLabel,
			}, nil
		}

		t, err := p.callAPI(ctx, msgs, defs, out, &aborted)
		if err != nil {
			if errors.Is(err, errAbortRequested) || ctx.Err() != nil {
				return p.abortResult(tail), nil
			}
			fmt.Fprintf(out, "\n[foreman] generative API call failed: %v\n", err)
			return provider.Result{
				OutputTail: tail.String(),
				Exit:       model.ExitInfo{Code: 1},
				ModelLabel: modelLabel,
			}, provider.Errorf(p.Name(), "call api", err)
		}
		if t.model != "" {
			modelLabel = t.model
		}
		sources = appendCitations(sources, t.citations)

		// 4. No tool calls means the streamed text was the final answer.
		if len(t.toolCalls) == 0 {
			writeSources(out, sources)
			return provider.Result{
				OutputTail: tail.String(),
				Exit:       model.ExitInfo{Code: 0},
				ModelLabel: modelLabel,
			}, nil
		}

		p.logger.Debug("executing tool calls",
			"job_id", job.ID,
			"round", round,
			"count", len(t.toolCalls))

		results := make([]contentBlock, 0, len(t.toolCalls))
		for _, call := range t.toolCalls {
			if aborted.Load() {
				return p.abortResult(tail), nil
			}
			results = append(results, p.runTool(ctx, out, call))
		}

		msgs = append(msgs, message{Role: "assistant", Content: assistantBlocks(t)})
		msgs = append(msgs, message{Role: "user", Content: results})
	}

	fmt.Fprintf(out, "\n[foreman] tool loop ended after %d rounds without a final answer\n", maxRounds)
	return provider.Result{
		OutputTail: tail.String(),
		Exit:       model.ExitInfo{Code: 1},
		ModelLabel: modelLabel,
	}, provider.Errorf(p.Name(), "run loop", fmt.Errorf("no final answer after %d rounds", maxRounds))
}

func (p *Provider) abortResult(tail *provider.TailBuffer) provider.Result {
	return provider.Result{
		OutputTail: tail.String(),
		Exit:       model.ExitInfo{Code: 130, Signal: model.SignalAborted},
	}
}

// runTool executes one tool call and wraps the outcome as a tool_result
// block. Tool failures are reported to the model, not surfaced as job errors.
func (p *Provider) runTool(ctx context.Context, out io.Writer, call toolCall) contentBlock {
	tctx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	fmt.Fprintf(out, "\n[tool] %s %s\n", call.name, compactInput(call.input))
	output, err := p.registry.Call(tctx, call.name, call.input)
	if err != nil {
		fmt.Fprintf(out, "[tool] %s failed: %v\n", call.name, err)
		return contentBlock{Type: "tool_result", ToolUseID: call.id, Content: err.Error(), IsError: true}
	}
	return contentBlock{Type: "tool_result", ToolUseID: call.id, Content: formatResult(output)}
}

func (p *Provider) toolDefs() []toolDef {
	if p.registry == nil {
		return nil
	}
	list := p.registry.List()
	defs := make([]toolDef, 0, len(list))
	for _, t := range list {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, toolDef{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return defs
}

// callAPI performs one request and assembles the assistant turn. Streamed
// text deltas are forwarded to out as they arrive; a backend that ignores the
// stream flag and answers with one complete JSON message is handled too.
func (p *Provider) callAPI(ctx context.Context, msgs []message, defs []toolDef, out io.Writer, aborted *atomic.Bool) (turn, error) {
	reqBody := apiRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Messages:  msgs,
		Tools:     defs,
		Stream:    true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return turn{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return turn{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return turn{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return turn{}, fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readComplete(resp.Body, out)
	}
	return p.readStream(resp.Body, out, aborted)
}

// readComplete parses a non-streaming message response, writing its text to
// out once.
func readComplete(body io.Reader, out io.Writer) (turn, error) {
	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			Citations []citation      `json:"citations"`
		} `json:"content"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return turn{}, fmt.Errorf("decode response: %w", err)
	}

	t := turn{model: resp.Model}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			io.WriteString(out, block.Text)
			for _, c := range block.Citations {
				if c.URL != "" {
					t.citations = append(t.citations, c)
				}
			}
		case "tool_use":
			input := block.Input
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			id := block.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			t.toolCalls = append(t.toolCalls, toolCall{id: id, name: block.Name, input: input})
		}
	}
	t.text = text.String()
	return t, nil
}

// readStream parses the server-sent event stream into a turn.
func (p *Provider) readStream(body io.Reader, out io.Writer, aborted *atomic.Bool) (turn, error) {
	var (
		t       turn
		text    strings.Builder
		current *toolCall
		jsonBuf strings.Builder
	)

	finish := func() {
		if current == nil {
			return
		}
		input := json.RawMessage(jsonBuf.String())
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		current.input = input
		if current.id == "" {
			current.id = "toolu_" + uuid.NewString()
		}
		t.toolCalls = append(t.toolCalls, *current)
		current = nil
		jsonBuf.Reset()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if aborted.Load() {
			return t, errAbortRequested
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(line[len("data: "):]), &chunk); err != nil {
			continue
		}

		switch chunk.Type {
		case "message_start":
			t.model = chunk.Message.Model
		case "content_block_start":
			if chunk.ContentBlock.Type == "tool_use" {
				finish()
				current = &toolCall{id: chunk.ContentBlock.ID, name: chunk.ContentBlock.Name}
			}
		case "content_block_delta":
			switch chunk.Delta.Type {
			case "text_delta":
				text.WriteString(chunk.Delta.Text)
				io.WriteString(out, chunk.Delta.Text)
			case "input_json_delta":
				jsonBuf.WriteString(chunk.Delta.PartialJSON)
			case "citations_delta":
				if c := chunk.Delta.Citation; c != nil && c.URL != "" {
					t.citations = append(t.citations, *c)
				}
			}
		case "content_block_stop":
			finish()
		}
	}
	finish()
	if err := scanner.Err(); err != nil {
		return t, fmt.Errorf("read stream: %w", err)
	}

	t.text = text.String()
	return t, nil
}

// assistantBlocks rebuilds the assistant turn so the next request carries the
// tool_use blocks the tool results answer.
func assistantBlocks(t turn) []contentBlock {
	blocks := make([]contentBlock, 0, len(t.toolCalls)+1)
	if t.text != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: t.text})
	}
	for _, call := range t.toolCalls {
		blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.id, Name: call.name, Input: call.input})
	}
	return blocks
}

// appendCitations merges new citations, deduplicating by URL in first-seen order.
func appendCitations(sources, fresh []citation) []citation {
	for _, c := range fresh {
		dup := false
		for _, have := range sources {
			if have.URL == c.URL {
				dup = true
				break
			}
		}
		if !dup {
			sources = append(sources, c)
		}
	}
	return sources
}

func writeSources(out io.Writer, sources []citation) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprint(out, "\n\nSources:\n")
	for _, c := range sources {
		if c.Title != "" {
			fmt.Fprintf(out, "- %s: %s\n", c.Title, c.URL)
		} else {
			fmt.Fprintf(out, "- %s\n", c.URL)
		}
	}
}

// formatResult re-indents JSON tool output for the model, falling back to the
// raw text when the output is not JSON.
func formatResult(output string) string {
	trimmed := strings.TrimSpace(output)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(trimmed), "", "  "); err == nil {
			return buf.String()
		}
	}
	return output
}

func compactInput(input json.RawMessage) string {
	s := string(input)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
