package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"personabot/internal/domain"
	"personabot/internal/metrics"
	"personabot/internal/persona"
)

const (
	defaultRetryAttempts = 3
	defaultRetryWaitCap  = 30 * time.Second
	defaultMaxIterations = 3

	queuedNotice      = "I'm at capacity right now, your message is queued and I'll answer shortly."
	overflowNotice    = "That message plus the conversation is too large for me to process. Try a shorter message."
	busyNotice        = "The model service is busy right now. Please try again in a moment."
	genericErrNotice  = "Sorry, something went wrong while generating a response."
	emptyReplyContent = "I don't have anything to add."
)

// Dispatcher owns the full life of a mention: admission, prompt assembly,
// provider streaming with retry, action execution, rendering, accounting.
// One dispatcher per persona engine.
type Dispatcher struct {
	platform  domain.Platform
	provider  domain.CompletionProvider
	admission *Admission
	assembler *Assembler
	renderer  *Renderer
	actions   *ActionRegistry
	pacer     *CallPacer
	persona   *persona.Persona
	usage     domain.UsageStore
	metrics   *metrics.EngineMetrics
	logger    *slog.Logger

	model         string
	maxTokens     int
	temperature   float64
	retryAttempts int
	retryWaitCap  time.Duration
	maxIterations int
	adminCommands bool

	root context.Context

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // messageID -> cancel
}

type DispatcherConfig struct {
	Platform  domain.Platform
	Provider  domain.CompletionProvider
	Admission *Admission
	Assembler *Assembler
	Renderer  *Renderer
	Actions   *ActionRegistry
	Pacer     *CallPacer
	Persona   *persona.Persona
	Usage     domain.UsageStore      // optional
	Metrics   *metrics.EngineMetrics // optional
	Logger    *slog.Logger

	Model         string // overridden by the persona when it names one
	MaxTokens     int
	Temperature   float64
	RetryAttempts int
	RetryWaitCap  time.Duration
	MaxIterations int // action round-trips per request
	AdminCommands bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryWaitCap <= 0 {
		cfg.RetryWaitCap = defaultRetryWaitCap
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}

	model := cfg.Model
	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature
	if cfg.Persona != nil {
		if cfg.Persona.Model != "" {
			model = cfg.Persona.Model
		}
		if cfg.Persona.MaxTokens > 0 {
			maxTokens = cfg.Persona.MaxTokens
		}
		if cfg.Persona.Temperature > 0 {
			temperature = cfg.Persona.Temperature
		}
	}

	return &Dispatcher{
		platform:      cfg.Platform,
		provider:      cfg.Provider,
		admission:     cfg.Admission,
		assembler:     cfg.Assembler,
		renderer:      cfg.Renderer,
		actions:       cfg.Actions,
		pacer:         cfg.Pacer,
		persona:       cfg.Persona,
		usage:         cfg.Usage,
		metrics:       cfg.Metrics,
		logger:        lgr,
		model:         model,
		maxTokens:     maxTokens,
		temperature:   temperature,
		retryAttempts: cfg.RetryAttempts,
		retryWaitCap:  cfg.RetryWaitCap,
		maxIterations: cfg.MaxIterations,
		adminCommands: cfg.AdminCommands,
		inflight:      make(map[string]context.CancelFunc),
	}
}

// Start binds the dispatcher to its root context and wires the admission
// queue drain. Must be called before the platform delivers mentions.
func (d *Dispatcher) Start(ctx context.Context) {
	d.root = ctx
	d.admission.Bind(ctx,
		func(msg domain.InboundMessage) {
			if d.metrics != nil {
				d.metrics.MessagesQueued.Inc()
				d.metrics.QueueDepth.Set(int64(d.admission.QueueDepth(msg.ChannelID)))
			}
			if _, err := d.platform.SendMessage(ctx, msg.ChannelID, queuedNotice); err != nil {
				d.logger.Warn("queued notice failed", "channel_id", msg.ChannelID, "err", err)
			}
		},
		d.process,
	)
}

// HandleMention is the platform entry point. Non-mentions and bot authors
// are dropped before admission.
func (d *Dispatcher) HandleMention(msg domain.InboundMessage) {
	if msg.IsBot || !msg.IsMention {
		return
	}

	if d.adminCommands && strings.HasPrefix(strings.TrimSpace(msg.Content), "!status") {
		go d.handleStatus(msg)
		return
	}

	ticket, queued := d.admission.TryAcquire(msg)
	if queued {
		return
	}
	go d.process(msg, ticket)
}

// CancelRequest aborts the in-flight request for a deleted message, if any.
func (d *Dispatcher) CancelRequest(messageID string) {
	d.mu.Lock()
	cancel, ok := d.inflight[messageID]
	d.mu.Unlock()
	if ok {
		d.logger.Info("cancelling request for deleted message", "message_id", messageID)
		cancel()
	}
}

// InFlight reports how many requests are currently processing.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// process runs one admitted request end to end. The ticket is released on
// every path.
func (d *Dispatcher) process(msg domain.InboundMessage, ticket *Ticket) {
	defer ticket.Release()

	ctx, cancel := context.WithCancel(d.root)
	defer cancel()

	d.mu.Lock()
	d.inflight[msg.MessageID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, msg.MessageID)
		d.mu.Unlock()
	}()

	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
		d.metrics.QueueDepth.Set(int64(d.admission.QueueDepth(msg.ChannelID)))
	}

	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "channel_id", msg.ChannelID, "message_id", msg.MessageID)
	start := time.Now()

	notified, err := d.run(ctx, logger, msg)
	if err != nil {
		logger.Error("request failed", "err", err, "elapsed", time.Since(start))
		if d.metrics != nil {
			d.metrics.MessagesFailed.Inc()
		}
		if !notified {
			d.sendErrorNotice(msg.ChannelID, err)
		}
		return
	}

	if d.metrics != nil {
		d.metrics.MessagesProcessed.Inc()
		d.metrics.ResponseSeconds.Observe(time.Since(start).Seconds())
	}
	logger.Info("request completed", "elapsed", time.Since(start))
}

// run executes the assemble → stream → act → render exchange. The returned
// bool reports whether a failure notice already reached the user.
func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) (bool, error) {
	pc, err := d.assembler.Build(ctx, d.persona, msg)
	if err != nil {
		return false, err
	}

	messages := pc.Messages()
	var toolDefs []domain.ToolDefinition
	if d.actions != nil {
		toolDefs = d.actions.Definitions()
	}

	renderCh := make(chan domain.StreamChunk, 64)
	renderExited := make(chan struct{})
	var renderRes *RenderResult
	var renderErr error
	go func() {
		defer close(renderExited)
		renderRes, renderErr = d.renderer.Render(ctx, msg.ChannelID, renderCh)
	}()

	feed := func(c domain.StreamChunk) {
		select {
		case renderCh <- c:
		case <-renderExited:
		case <-ctx.Done():
		}
	}

	promptTokens := 0
	counted := 0
	for iteration := 0; ; iteration++ {
		// Earlier iterations already counted their prefix of the exchange.
		for _, m := range messages[counted:] {
			promptTokens += EstimateTokens(m.Content)
		}
		counted = len(messages)

		stream, err := d.openStream(ctx, logger, domain.CompletionRequest{
			Messages:    messages,
			Model:       d.model,
			MaxTokens:   d.maxTokens,
			Temperature: d.temperature,
			Tools:       toolDefs,
		})
		if err != nil {
			feed(domain.StreamChunk{Err: err})
			<-renderExited
			return renderRes != nil && renderRes.ErrorNotified, err
		}

		var toolCalls []domain.ToolCall
		var iterText strings.Builder
	consume:
		for {
			select {
			case <-ctx.Done():
				<-renderExited
				return renderRes != nil && renderRes.ErrorNotified, ctx.Err()
			case chunk, ok := <-stream:
				if !ok {
					break consume
				}
				if chunk.Err != nil {
					feed(domain.StreamChunk{Err: chunk.Err})
					<-renderExited
					return renderRes != nil && renderRes.ErrorNotified, chunk.Err
				}
				if len(chunk.ToolCalls) > 0 {
					toolCalls = append(toolCalls, chunk.ToolCalls...)
				}
				if chunk.Text != "" {
					iterText.WriteString(chunk.Text)
					feed(domain.StreamChunk{Text: chunk.Text})
				}
			}
		}

		if len(toolCalls) == 0 || iteration+1 >= d.maxIterations {
			break
		}

		messages = append(messages, domain.PromptMessage{
			Role:      "assistant",
			Content:   iterText.String(),
			ToolCalls: toolCalls,
		})
		for _, call := range toolCalls {
			result := d.actions.Execute(ctx, msg, call)
			if d.metrics != nil {
				d.metrics.ActionsExecuted.Inc()
			}
			messages = append(messages, domain.PromptMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	feed(domain.StreamChunk{Final: true})
	<-renderExited
	if renderErr != nil {
		return renderRes != nil && renderRes.ErrorNotified, renderErr
	}

	finalText := ""
	if renderRes != nil {
		finalText = renderRes.Text
	}
	if finalText == "" {
		if _, err := d.platform.SendMessage(ctx, msg.ChannelID, emptyReplyContent); err != nil {
			return false, err
		}
	}

	d.recordUsage(msg, promptTokens, EstimateTokens(finalText))
	return false, nil
}

// openStream opens a completion stream, pacing every call and retrying
// rate-limited attempts with the provider's retry-after hint.
func (d *Dispatcher) openStream(ctx context.Context, logger *slog.Logger, req domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	for attempt := 0; ; attempt++ {
		if err := d.waitQuota(ctx); err != nil {
			return nil, err
		}
		if err := d.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		stream, err := d.provider.StreamCompletion(ctx, req)
		if err == nil {
			return stream, nil
		}

		rl, ok := domain.AsRateLimited(err)
		if !ok || attempt >= d.retryAttempts {
			return nil, err
		}

		wait := rl.RetryAfter
		if wait <= 0 || wait > d.retryWaitCap {
			wait = d.retryWaitCap
		}
		d.pacer.Penalize(wait)
		if d.metrics != nil {
			d.metrics.ProviderRetries.Inc()
		}
		logger.Warn("provider rate limited, retrying",
			"attempt", attempt+1,
			"retry_after", wait,
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// waitQuota sleeps until the provider quota resets when the last response
// reported it exhausted.
func (d *Dispatcher) waitQuota(ctx context.Context) error {
	snap := d.provider.RateLimit()
	now := time.Now()
	if !snap.Exhausted(now) {
		return nil
	}
	wait := snap.ResetAt.Sub(now)
	if wait > d.retryWaitCap {
		wait = d.retryWaitCap
	}
	d.logger.Info("provider quota exhausted, waiting for reset", "wait", wait)
	return sleepCtx(ctx, wait)
}

func (d *Dispatcher) sendErrorNotice(channelID string, err error) {
	notice := genericErrNotice
	switch {
	case errors.Is(err, domain.ErrContextOverflow):
		notice = overflowNotice
	case isRateLimited(err):
		notice = busyNotice
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, sendErr := d.platform.SendMessage(ctx, channelID, notice); sendErr != nil {
		d.logger.Error("error notice failed", "channel_id", channelID, "err", sendErr)
	}
}

func isRateLimited(err error) bool {
	_, ok := domain.AsRateLimited(err)
	return ok
}

func (d *Dispatcher) recordUsage(msg domain.InboundMessage, promptTokens, completionTokens int) {
	if d.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := domain.UsageRecord{
		PersonaName:      d.persona.Name,
		UserID:           msg.AuthorID,
		UserName:         msg.AuthorName,
		Model:            d.model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Timestamp:        time.Now(),
	}
	if err := d.usage.Record(ctx, rec); err != nil {
		d.logger.Warn("usage record failed", "err", err)
	}
}

// handleStatus answers the admin !status chat command with provider,
// concurrency and usage state.
func (d *Dispatcher) handleStatus(msg domain.InboundMessage) {
	ctx, cancel := context.WithTimeout(d.root, 10*time.Second)
	defer cancel()

	admin, err := d.platform.IsAdmin(ctx, msg.ChannelID, msg.AuthorID)
	if err != nil || !admin {
		return
	}

	var sb strings.Builder
	sb.WriteString("**Status**\n")
	fmt.Fprintf(&sb, "Persona: %s\n", d.persona.Name)
	fmt.Fprintf(&sb, "Provider: %s", d.provider.Name())
	if err := d.provider.Healthy(ctx); err != nil {
		fmt.Fprintf(&sb, " (unhealthy: %v)\n", err)
	} else {
		sb.WriteString(" (healthy)\n")
	}

	snap := d.provider.RateLimit()
	if !snap.ResetAt.IsZero() {
		fmt.Fprintf(&sb, "Rate limit: %d requests, %d tokens remaining, resets %s\n",
			snap.RemainingRequests, snap.RemainingTokens, snap.ResetAt.Format(time.RFC3339))
	}

	fmt.Fprintf(&sb, "In flight: %d, queue depth here: %d\n", d.InFlight(), d.admission.QueueDepth(msg.ChannelID))

	if d.usage != nil {
		if totals, err := d.usage.Totals(ctx); err == nil {
			fmt.Fprintf(&sb, "Usage: %d requests, %d prompt + %d completion tokens, $%.4f\n",
				totals.Requests, totals.PromptTokens, totals.CompletionTokens, totals.CostUSD)
		}
		if top, err := d.usage.TopUsers(ctx, 5); err == nil && len(top) > 0 {
			sb.WriteString("Top users:\n")
			for _, u := range top {
				fmt.Fprintf(&sb, "- %s: %d requests, %d tokens\n",
					u.UserName, u.Requests, u.PromptTokens+u.CompletionTokens)
			}
		}
	}

	if _, err := d.platform.SendMessage(ctx, msg.ChannelID, sb.String()); err != nil {
		d.logger.Warn("status reply failed", "channel_id", msg.ChannelID, "err", err)
	}
}
