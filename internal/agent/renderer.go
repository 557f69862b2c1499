package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"personabot/internal/domain"
)

// MessageSink is the slice of the platform the renderer writes through.
type MessageSink interface {
	SendMessage(ctx context.Context, channelID, content string) (domain.MessageRef, error)
	EditMessage(ctx context.Context, ref domain.MessageRef, content string) error
	SetTyping(ctx context.Context, channelID string) error
}

// Renderer turns a chunk stream into a bounded sequence of platform
// operations: typing indicator, initial message, throttled edits, and splits
// into follow-up messages past the platform length limit.
type Renderer struct {
	sink           MessageSink
	updateInterval time.Duration
	maxLength      int
	typingEnabled  bool
	logger         *slog.Logger
}

type RendererConfig struct {
	Sink           MessageSink
	UpdateInterval time.Duration // minimum time between edits of one message
	MaxLength      int           // platform single-message limit
	TypingEnabled  bool
	Logger         *slog.Logger
}

func NewRenderer(cfg RendererConfig) *Renderer {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 700 * time.Millisecond
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 2000
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Renderer{
		sink:           cfg.Sink,
		updateInterval: cfg.UpdateInterval,
		maxLength:      cfg.MaxLength,
		typingEnabled:  cfg.TypingEnabled,
		logger:         lgr,
	}
}

// RenderResult reports what a render pass delivered.
type RenderResult struct {
	Text string // complete accumulated text, even on failure

	// ErrorNotified is true when a failure notice was already appended to a
	// visible message, so the caller must not post another one.
	ErrorNotified bool
}

// streamState is the mutable state of one render pass. It lives for exactly
// one request.
type streamState struct {
	text       strings.Builder
	refs       []domain.MessageRef
	written    []string // last content written per ref
	lastEdit   time.Time
	typingSent bool
	channelID  string
}

// Render consumes the stream and mirrors it into the channel. It returns the
// accumulated text; the first stream error or context cancellation aborts the
// pass after a best-effort error notice on the partial message.
func (r *Renderer) Render(ctx context.Context, channelID string, stream <-chan domain.StreamChunk) (*RenderResult, error) {
	st := &streamState{channelID: channelID}
	result := &RenderResult{}

	for {
		select {
		case <-ctx.Done():
			result.Text = st.text.String()
			result.ErrorNotified = r.notifyFailure(st, "(response cancelled)")
			return result, ctx.Err()

		case chunk, ok := <-stream:
			if !ok {
				// Stream closed without a Final marker: flush what we have.
				err := r.emit(ctx, st, true)
				result.Text = st.text.String()
				return result, err
			}

			if chunk.Err != nil {
				result.Text = st.text.String()
				result.ErrorNotified = r.notifyFailure(st, "(response interrupted)")
				return result, chunk.Err
			}

			if !st.typingSent {
				st.typingSent = true
				if r.typingEnabled {
					if err := r.sink.SetTyping(ctx, channelID); err != nil {
						r.logger.Debug("typing indicator failed", "channel_id", channelID, "err", err)
					}
				}
			}

			st.text.WriteString(chunk.Text)

			if err := r.emit(ctx, st, chunk.Final); err != nil {
				result.Text = st.text.String()
				return result, err
			}

			if chunk.Final {
				result.Text = st.text.String()
				return result, nil
			}
		}
	}
}

// emit pushes accumulated text to the platform. Non-final calls throttle
// edits of the active message to one per update interval; final calls always
// write the complete text. New segments are created as the text outgrows the
// platform limit, and a segment receives a last full edit before the next
// one starts.
func (r *Renderer) emit(ctx context.Context, st *streamState, final bool) error {
	text := st.text.String()
	if text == "" {
		return nil
	}
	segments := splitMessage(text, r.maxLength)

	for i, seg := range segments {
		if i < len(st.refs) {
			active := i == len(segments)-1
			if st.written[i] == seg {
				continue
			}
			if active && !final && time.Since(st.lastEdit) < r.updateInterval {
				continue
			}
			if err := r.sink.EditMessage(ctx, st.refs[i], seg); err != nil {
				return r.platformErr("edit", err)
			}
			st.written[i] = seg
			if active {
				st.lastEdit = time.Now()
			}
			continue
		}

		ref, err := r.sink.SendMessage(ctx, st.channelID, seg)
		if err != nil {
			return r.platformErr("send", err)
		}
		st.refs = append(st.refs, ref)
		st.written = append(st.written, seg)
		st.lastEdit = time.Now()
	}

	return nil
}

// notifyFailure appends a failure notice to the partial message, best effort.
// Returns true when a notice became visible to the user.
func (r *Renderer) notifyFailure(st *streamState, notice string) bool {
	if len(st.refs) == 0 {
		return false
	}

	// Detached context: the request context is typically already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last := len(st.refs) - 1
	content := st.written[last]
	if len(content)+len(notice)+2 > r.maxLength {
		cut := r.maxLength - len(notice) - 2
		if cut < 0 {
			cut = 0
		}
		// Never slice a rune apart.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	content += "\n" + notice

	if err := r.sink.EditMessage(ctx, st.refs[last], content); err != nil {
		r.logger.Warn("failure notice edit failed", "channel_id", st.channelID, "err", err)
		return false
	}
	return true
}

func (r *Renderer) platformErr(op string, err error) error {
	r.logger.Error("platform "+op+" failed", "err", err)
	return err
}

// splitMessage splits content into chunks that fit within the max length,
// preferring newline boundaries.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
