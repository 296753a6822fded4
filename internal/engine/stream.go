// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/tabrelay/internal/contextstore"
	"github.com/jeranaias/tabrelay/internal/port"
	"github.com/jeranaias/tabrelay/internal/provider"
	"github.com/jeranaias/tabrelay/internal/sse"
)

// =============================================================================
// STREAM SESSION
// =============================================================================

// StreamSession is the transient state of one in-flight streaming request.
type StreamSession struct {
	ID    string
	Start time.Time

	// Conversation, unset in ad-hoc messages mode.
	key          contextstore.Key
	conversation bool
	prompt       string

	// Accumulated output.
	answer        strings.Builder
	reasoningSeen bool
	remainder     string
	model         string
	tokens        *int
	firstToken    time.Time
	doneSeen      bool
}

// Answer returns the accumulated assistant text so far.
func (s *StreamSession) Answer() string {
	return s.answer.String()
}

// FirstTokenLatency returns the time to first content token, zero before
// any content arrived.
func (s *StreamSession) FirstTokenLatency() time.Duration {
	if s.firstToken.IsZero() {
		return 0
	}
	return s.firstToken.Sub(s.Start)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Stream runs one streaming session end to end. Every outcome is delivered
// to the port as events; nothing is returned. After a consumer disconnect
// no further events are emitted.
func (e *Engine) Stream(ctx context.Context, req port.StartRequest, p port.Port) {
	sess := &StreamSession{ID: uuid.NewString(), Start: time.Now()}

	err := e.stream(ctx, req, p, sess)
	if err == nil {
		return
	}
	if errors.Is(err, port.ErrDisconnected) {
		// The consumer is gone; there is nobody to tell.
		return
	}
	if sendErr := p.Send(port.Event{Type: port.EventError, Error: err.Error()}); sendErr != nil {
		e.reportErr("send error event", sendErr)
	}
}

// stream is the state machine body: Preparing -> AwaitingResponse ->
// StreamingChunks -> completion. Any returned error is fatal to the
// session.
func (e *Engine) stream(ctx context.Context, req port.StartRequest, p port.Port, sess *StreamSession) error {
	// --- Preparing ---
	prov, ok := e.resolveProvider(req.Provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}
	apiKey := e.apiKey(prov.ID)
	if apiKey == "" {
		return ErrNoAPIKey
	}

	var msgs []contextstore.Message
	if len(req.Messages) > 0 {
		// Ad-hoc messages mode: the caller supplies the full list and the
		// per-tab context store is bypassed.
		msgs = req.Messages
	} else {
		key, err := contextstore.ParseKeyID(req.ConversationKey)
		if err != nil {
			return err
		}
		sess.key = key
		sess.conversation = true
		sess.prompt = req.Prompt

		existing := e.store.Get(key)
		if shouldAppendUserTurn(existing, req.Prompt, req.Retry) {
			msgs = e.store.Append(key, contextstore.NewUserMessage(req.Prompt))
			// Persist before the network call so a crash mid-stream does
			// not lose the user's question.
			e.store.Persist(key)
		} else {
			msgs = existing
		}
	}

	body := provider.BuildRequestBody(prov, provider.BuildOptions{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    true,
		WebSearch: req.WebSearch,
		Reasoning: req.Reasoning,
	})
	sess.model = body.Model

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.postChat(reqCtx, prov, apiKey, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// --- AwaitingResponse ---
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, errBody)
	}

	// --- StreamingChunks ---
	if err := e.readStream(reqCtx, resp.Body, p, sess); err != nil {
		return err
	}

	// --- Completion ---
	return e.complete(p, sess, len(msgs))
}

// postChat issues the chat completions request with auth headers. Timeout
// and transport failures are classified here.
func (e *Engine) postChat(ctx context.Context, prov provider.Provider, apiKey string, body provider.ChatRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, prov.ChatCompletionsURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = provider.BuildAuthHeaders(prov, apiKey)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readStream drives the SSE parser over the response body, forwarding
// events until network EOF. The [DONE] sentinel is a hint, not a hard
// stop: some providers send trailing usage-only chunks after it, so the
// loop only exits on EOF, error, or consumer disconnect.
func (e *Engine) readStream(ctx context.Context, body io.Reader, p port.Port, sess *StreamSession) error {
	buf := make([]byte, readBufferSize)
	for {
		// Cooperative cancellation point: nothing past this line runs for
		// a disconnected consumer.
		select {
		case <-p.Disconnected():
			return port.ErrDisconnected
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			var lines []string
			lines, sess.remainder = sse.SplitLines(sess.remainder, string(buf[:n]))
			for _, line := range lines {
				if err := e.handleLine(line, p, sess); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			if errors.Is(readErr, context.Canceled) {
				return port.ErrDisconnected
			}
			return fmt.Errorf("stream read failed: %w", readErr)
		}
	}

	// A final data line may arrive without a trailing newline before EOF.
	if strings.TrimSpace(sess.remainder) != "" {
		if err := e.handleLine(sess.remainder, p, sess); err != nil {
			return err
		}
		sess.remainder = ""
	}

	// An EOF without the sentinel usually means the upstream dropped the
	// connection mid-answer. The partial output still completes normally,
	// but a truncated answer should be explainable from the logs.
	if !sess.doneSeen {
		e.reportErr("stream end", errors.New("upstream closed without done sentinel"))
	}
	return nil
}

// handleLine processes one complete SSE line. Parse errors are soft:
// reported and skipped, the stream continues.
func (e *Engine) handleLine(line string, p port.Port, sess *StreamSession) error {
	dl := sse.ParseDataLine(line)
	switch {
	case dl.Done:
		sess.doneSeen = true
	case dl.ParseErr != nil:
		e.reportErr("sse parse", dl.ParseErr)
	case dl.Event != nil:
		return e.applyChunk(dl.Event, p, sess)
	}
	return nil
}

// applyChunk folds one parsed chunk into the session and forwards content
// and reasoning events. A failed forward means the consumer is gone.
func (e *Engine) applyChunk(ev *sse.ChunkEvent, p port.Port, sess *StreamSession) error {
	if ev.Model != "" {
		sess.model = ev.Model
	}

	if d := ev.FirstDelta(); d != nil {
		if d.Content != "" {
			if sess.firstToken.IsZero() {
				sess.firstToken = time.Now()
			}
			sess.answer.WriteString(d.Content)
			if err := p.Send(port.Event{Type: port.EventContent, Content: d.Content}); err != nil {
				return port.ErrDisconnected
			}
		}
		if rt := d.ReasoningText(); rt != "" {
			sess.reasoningSeen = true
			if err := p.Send(port.Event{Type: port.EventReasoning, Reasoning: rt}); err != nil {
				return port.ErrDisconnected
			}
		}
	}

	if ev.Usage != nil && ev.Usage.TotalTokens > 0 {
		total := ev.Usage.TotalTokens
		sess.tokens = &total
	}
	return nil
}

// complete runs the terminal transition: records the assistant turn in
// conversation mode and emits the complete event. A stream that produced
// no content is a soft failure and leaves the stored context untouched.
func (e *Engine) complete(p port.Port, sess *StreamSession, inputSize int) error {
	answer := sess.answer.String()
	if answer == "" {
		if sess.reasoningSeen {
			return ErrNoAnswer
		}
		return ErrNoContent
	}

	contextSize := 0
	if sess.conversation {
		updated := e.store.Append(sess.key, contextstore.NewAssistantMessage(answer))
		e.store.Persist(sess.key)
		contextSize = len(updated)

		if e.history != nil {
			e.history.Record(sess.prompt, answer, sess.model)
		}
	} else {
		// Ad-hoc sessions do not touch the stored context.
		contextSize = inputSize
	}

	ev := port.Event{
		Type:        port.EventComplete,
		Tokens:      sess.tokens,
		ContextSize: contextSize,
		Model:       sess.model,
	}
	if err := p.Send(ev); err != nil {
		return port.ErrDisconnected
	}
	return nil
}

// shouldAppendUserTurn implements the retry dedup rule: skip appending
// only when this is a retry and the last stored message is already this
// exact user turn.
func shouldAppendUserTurn(existing []contextstore.Message, prompt string, retry bool) bool {
	if !retry || len(existing) == 0 {
		return true
	}
	last := existing[len(existing)-1]
	return last.Role != contextstore.RoleUser || last.Content != prompt
}
