// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/search"
	"github.com/jeranaias/rigchat/internal/store"
)

// reasoningPrompt is prepended when chain-of-thought is requested.
const reasoningPrompt = `Work through the problem step by step before answering.

Structure every reply as follows:

<thinking>
  One <step> element per stage of your reasoning. In each step restate what
  you know, note assumptions, show any calculations, and give a confidence
  from 0 to 100.
</thinking>

<uncertainties>
  Open questions, risks and missing data.
</uncertainties>

<solution>
  The answer itself, the points that support it, and next steps if any.
</solution>`

// =============================================================================
// COLLABORATORS
// =============================================================================

// Provider is a completion provider bound to one caller's credential.
type Provider interface {
	search.Completer
	StreamChat(ctx context.Context, req cloud.ChatRequest) (cloud.TokenStream, error)
}

// MessageAppender persists finished messages.
type MessageAppender interface {
	AppendMessage(ctx context.Context, userID string, m *store.Message) error
}

// Generation describes one assistant reply to produce.
type Generation struct {
	UserID         string
	ChatID         string
	Model          string
	Messages       []cloud.ChatMessage
	WebSearch      bool
	ChainOfThought bool
	Attachments    []string
	Provider       Provider
}

// =============================================================================
// STREAMER
// =============================================================================

// StreamerOptions configures a Streamer.
type StreamerOptions struct {
	// AuxModel serves the search classifier and rewrite calls.
	AuxModel string

	// Timeout bounds a whole generation (0 = none).
	Timeout time.Duration

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Streamer produces frame sequences for generations.
type Streamer struct {
	messages MessageAppender
	searcher search.Searcher
	opts     StreamerOptions
	now      func() time.Time
}

// NewStreamer creates a Streamer. A nil searcher disables the search phase.
func NewStreamer(messages MessageAppender, searcher search.Searcher, opts StreamerOptions) *Streamer {
	return &Streamer{messages: messages, searcher: searcher, opts: opts, now: time.Now}
}

// Open starts a generation. Provider and search calls run under ctx, bounded
// by the configured timeout. Nothing happens until the first Next.
func (s *Streamer) Open(ctx context.Context, gen Generation) *Stream {
	var cancel context.CancelFunc
	if s.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	logger := logging.FromContext(ctx, s.opts.Logger).With().
		Str("chat_id", gen.ChatID).
		Str("model", gen.Model).
		Logger()

	return &Stream{
		s:       s,
		gen:     gen,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		aug:     search.NewAugmenter(gen.Provider, s.opts.AuxModel).WithLogger(logger),
		done:    s.opts.Metrics.StreamStarted(),
		started: s.now(),
	}
}

// =============================================================================
// STREAM
// =============================================================================

type streamState int

const (
	stateInit streamState = iota
	stateSearch
	stateSearchEvents
	stateSearchDone
	stateGenerate
	stateOpenProvider
	stateDeltas
	statePersist
	stateDone
	stateFailed
)

// Stream is a finite, non-restartable frame sequence. It is not safe for
// concurrent use.
type Stream struct {
	s      *Streamer
	gen    Generation
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	aug    *search.Augmenter

	state    streamState
	results  *search.Results
	snippets []search.Snippet
	tokens   cloud.TokenStream
	content  strings.Builder
	err      error

	// lastSearch is the last status forwarded from the search service.
	lastSearch Status

	started    time.Time
	firstToken bool
	fragments  int

	done      func(outcome string)
	closeOnce sync.Once
}

// Content returns the text accumulated so far.
func (st *Stream) Content() string {
	return st.content.String()
}

// SearchUsed reports whether search results were injected.
func (st *Stream) SearchUsed() bool {
	return len(st.snippets) > 0
}

// Next returns the next frame, io.EOF after the completed frame, or the
// error that ended the generation. Once Next has returned an error it keeps
// returning it. ctx belongs to the caller pulling frames; cancelling it
// ends the generation without persisting anything.
func (st *Stream) Next(ctx context.Context) (Frame, error) {
	for {
		switch st.state {
		case stateDone:
			return Frame{}, io.EOF
		case stateFailed:
			return Frame{}, st.err
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, st.fail(err)
		}

		switch st.state {
		case stateInit:
			st.state = stateGenerate
			switch {
			case !st.gen.WebSearch:
			case st.s.searcher == nil:
				st.s.opts.Metrics.RecordSearch(metrics.SearchDisabled)
			case st.aug.NeedsSearch(st.ctx, st.gen.Messages):
				st.state = stateSearch
				return Frame{Status: StatusStartingSearch}, nil
			default:
				st.s.opts.Metrics.RecordSearch(metrics.SearchSkipped)
			}

		case stateSearch:
			query := st.aug.RewriteQuery(st.ctx, search.LatestUserMessage(st.gen.Messages))
			results, err := st.s.searcher.Search(st.ctx, query)
			if err != nil {
				st.searchFailed(err)
				continue
			}
			st.results = results
			st.state = stateSearchEvents

		case stateSearchEvents:
			ev, err := st.results.Next()
			if err == io.EOF {
				st.results.Close()
				st.state = stateSearchDone
				continue
			}
			if err != nil {
				st.results.Close()
				st.searchFailed(err)
				continue
			}
			if ev.Final {
				st.snippets = ev.Results
			}
			if ev.Status != "" {
				st.lastSearch = Status(ev.Status)
				return Frame{Status: st.lastSearch}, nil
			}

		case stateSearchDone:
			st.state = stateGenerate
			if len(st.snippets) > 0 {
				st.s.opts.Metrics.RecordSearch(metrics.SearchResults)
				st.logger.Debug().Int("snippets", len(st.snippets)).Msg("search results injected")
				if st.lastSearch != StatusFoundResults {
					return Frame{Status: StatusFoundResults}, nil
				}
				continue
			}
			st.s.opts.Metrics.RecordSearch(metrics.SearchEmpty)

		case stateGenerate:
			st.state = stateOpenProvider
			return Frame{Status: StatusGenerating}, nil

		case stateOpenProvider:
			tokens, err := st.gen.Provider.StreamChat(st.ctx, cloud.ChatRequest{
				Model:    st.gen.Model,
				Messages: st.buildMessages(),
			})
			if err != nil {
				return Frame{}, st.fail(st.upstream(err))
			}
			st.tokens = tokens
			st.state = stateDeltas

		case stateDeltas:
			frag, err := st.tokens.Next()
			if err == io.EOF {
				st.state = statePersist
				continue
			}
			if err != nil {
				return Frame{}, st.fail(st.upstream(err))
			}
			if frag == "" {
				continue
			}
			if !st.firstToken {
				st.firstToken = true
				st.s.opts.Metrics.RecordFirstToken(st.s.now().Sub(st.started))
			}
			st.fragments++
			st.s.opts.Metrics.RecordFragment()
			st.content.WriteString(frag)
			return Frame{Content: frag}, nil

		case statePersist:
			st.closeTokens()
			msg := &store.Message{
				ChatID:  st.gen.ChatID,
				Role:    store.RoleAssistant,
				Content: st.content.String(),
				Metadata: &store.MessageMetadata{
					Model: st.gen.Model,
					Features: store.Features{
						WebSearchEnabled: st.gen.WebSearch,
						WebSearchUsed:    len(st.snippets) > 0,
						ChainOfThought:   st.gen.ChainOfThought,
					},
					Attachments: st.gen.Attachments,
				},
			}
			if err := st.s.messages.AppendMessage(st.ctx, st.gen.UserID, msg); err != nil {
				return Frame{}, st.fail(fmt.Errorf("failed to persist reply: %w", err))
			}
			st.state = stateDone
			st.finish(metrics.OutcomeCompleted)
			st.logger.Info().
				Int("fragments", st.fragments).
				Int("chars", st.content.Len()).
				Bool("web_search_used", len(st.snippets) > 0).
				Dur("duration", st.s.now().Sub(st.started)).
				Msg("generation completed")
			return Frame{Status: StatusCompleted}, nil
		}
	}
}

// Close ends the generation. Closing before completion discards the partial
// reply.
func (st *Stream) Close() error {
	if st.state != stateDone && st.state != stateFailed {
		st.fail(context.Canceled)
	}
	return nil
}

// buildMessages returns the provider message list: an optional reasoning
// prompt, the conversation, and the search context last.
func (st *Stream) buildMessages() []cloud.ChatMessage {
	msgs := make([]cloud.ChatMessage, 0, len(st.gen.Messages)+2)
	if st.gen.ChainOfThought {
		msgs = append(msgs, cloud.NewSystemMessage(reasoningPrompt))
	}
	msgs = append(msgs, st.gen.Messages...)
	if ctxMsg := search.BuildContext(st.snippets); ctxMsg != "" {
		msgs = append(msgs, cloud.NewSystemMessage(ctxMsg))
	}
	return msgs
}

func (st *Stream) searchFailed(err error) {
	st.logger.Warn().Err(err).Msg("web search failed, continuing without results")
	st.s.opts.Metrics.RecordSearch(metrics.SearchFailed)
	st.results = nil
	st.snippets = nil
	st.state = stateGenerate
}

// upstream classifies a provider error. Cancellation stays cancellation.
func (st *Stream) upstream(err error) error {
	if cerr := st.ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: generation timed out: %v", ErrUpstream, err)
		}
		return cerr
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// fail moves the stream to its terminal error state.
func (st *Stream) fail(err error) error {
	st.state = stateFailed
	st.err = err
	outcome := metrics.OutcomeFailed
	if errors.Is(err, context.Canceled) {
		outcome = metrics.OutcomeCancelled
		st.logger.Info().Int("fragments", st.fragments).Msg("generation cancelled, partial reply discarded")
	} else {
		st.logger.Error().Err(err).Int("fragments", st.fragments).Msg("generation failed")
	}
	st.finish(outcome)
	return err
}

func (st *Stream) finish(outcome string) {
	st.closeOnce.Do(func() {
		st.closeTokens()
		if st.results != nil {
			st.results.Close()
		}
		st.cancel()
		st.done(outcome)
	})
}

func (st *Stream) closeTokens() {
	if st.tokens != nil {
		st.tokens.Close()
		st.tokens = nil
	}
}
