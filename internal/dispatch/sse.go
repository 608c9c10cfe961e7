package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/relaygate/relaygate/internal/store"
)

// usageAccumulator merges token counters found while reading a response
// stream. Both dialects may report input tokens early (claude message_start)
// and finalize output tokens at the end (message_delta, response.completed,
// or the last chat chunk); later values overwrite earlier ones per field.
type usageAccumulator struct {
	usage store.Usage
	seen  bool
}

// sseWire is the superset of the usage shapes both dialects emit.
type wireUsage struct {
	InputTokens       *int64 `json:"input_tokens"`
	OutputTokens      *int64 `json:"output_tokens"`
	PromptTokens      *int64 `json:"prompt_tokens"`
	CompletionTokens  *int64 `json:"completion_tokens"`
	CacheCreateTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens   *int64 `json:"cache_read_input_tokens"`
	PromptDetails     *struct {
		CachedTokens *int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	InputDetails *struct {
		CachedTokens *int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (a *usageAccumulator) merge(w *wireUsage) {
	if w == nil {
		return
	}
	set := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
			a.seen = true
		}
	}
	set(&a.usage.InputTokens, w.InputTokens)
	set(&a.usage.InputTokens, w.PromptTokens)
	set(&a.usage.OutputTokens, w.OutputTokens)
	set(&a.usage.OutputTokens, w.CompletionTokens)
	set(&a.usage.CacheCreateTokens, w.CacheCreateTokens)
	set(&a.usage.CacheReadTokens, w.CacheReadTokens)
	if w.PromptDetails != nil {
		set(&a.usage.CacheReadTokens, w.PromptDetails.CachedTokens)
	}
	if w.InputDetails != nil {
		set(&a.usage.CacheReadTokens, w.InputDetails.CachedTokens)
	}
}

// absorbJSON pulls usage out of one JSON document, wherever the dialect puts
// it: top level, under message (claude message_start), or under response
// (openai response.completed).
func (a *usageAccumulator) absorbJSON(data []byte) {
	var doc struct {
		Usage   *wireUsage `json:"usage"`
		Message *struct {
			Usage *wireUsage `json:"usage"`
		} `json:"message"`
		Response *struct {
			Usage *wireUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}
	a.merge(doc.Usage)
	if doc.Message != nil {
		a.merge(doc.Message.Usage)
	}
	if doc.Response != nil {
		a.merge(doc.Response.Usage)
	}
}

const doneSentinel = "[DONE]"

// scanEventStream reads server-sent events from r, forwarding every raw byte
// to w as it arrives and feeding each complete data payload to the
// accumulator. It returns on EOF, on the [DONE] sentinel, or on a read error.
// A failed client write does not stop the scan: the writer is dropped,
// onClientGone fires once so the caller can bound the remaining drain, and
// reading continues on the same reader so the final usage event is still
// parsed. The returned error wraps errClientGone only in that case; any other
// error is an upstream read failure.
func scanEventStream(r io.Reader, w io.Writer, acc *usageAccumulator, onClientGone func()) error {
	br := bufio.NewReader(r)
	var data bytes.Buffer
	var writeErr error
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && w != nil {
			if _, werr := w.Write(line); werr != nil {
				writeErr = werr
				w = nil
				if onClientGone != nil {
					onClientGone()
				}
			} else {
				flush(w)
			}
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		switch {
		case strings.HasPrefix(trimmed, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
			data.WriteByte('\n')
		case trimmed == "" && data.Len() > 0:
			payload := strings.TrimSpace(data.String())
			data.Reset()
			if payload == doneSentinel {
				// OpenAI dialect end marker; the rest of the body is noise.
				return clientGoneOr(writeErr, nil)
			}
			acc.absorbJSON([]byte(payload))
		}
		if err != nil {
			if err == io.EOF {
				if payload := strings.TrimSpace(data.String()); payload != "" && payload != doneSentinel {
					acc.absorbJSON([]byte(payload))
				}
				return clientGoneOr(writeErr, nil)
			}
			// A read failure after the client already dropped is the bounded
			// drain being cut short, still the client's doing.
			return clientGoneOr(writeErr, err)
		}
	}
}

func clientGoneOr(writeErr, readErr error) error {
	if writeErr != nil {
		return fmt.Errorf("%w: %v", errClientGone, writeErr)
	}
	return readErr
}

type flusher interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}
