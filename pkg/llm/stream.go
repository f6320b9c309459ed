package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

const maxSSELine = 1 << 20

// streamSSE decodes OpenAI-style server-sent events from body. Only "data:"
// lines are interpreted; "[DONE]" terminates the stream. A body that ends
// before "[DONE]" or a finish reason yields an ErrBadResponse chunk.
func streamSSE(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer body.Close()

		// Closing the body unblocks a Scan that is waiting on the network.
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		send := func(chunk StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
		finished := false

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wr wireChatResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				send(StreamChunk{Err: &Error{Code: ErrBadResponse, Message: err.Error(), Cause: err}})
				return
			}

			chunk := StreamChunk{ID: wr.ID, Model: wr.Model, Usage: wr.Usage}
			if len(wr.Choices) > 0 {
				choice := wr.Choices[0]
				chunk.FinishReason = choice.FinishReason
				if choice.FinishReason != "" {
					finished = true
				}
				if choice.Delta != nil {
					chunk.Delta = choice.Delta.Content
				}
			}
			if !send(chunk) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil {
			send(StreamChunk{Err: upstreamError(err)})
			return
		}
		if !finished {
			send(StreamChunk{Err: &Error{Code: ErrBadResponse, Message: "stream ended before [DONE]"}})
		}
	}()

	return ch
}
