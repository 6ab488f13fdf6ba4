// Package pipeline validates, persists, and fans out chat messages. REST
// handlers and the transport's read loops share the same submission path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"swiftchat/internal/domain"
	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

// Submission failures surfaced to the sender. Per-recipient delivery
// failures are never surfaced; the sender only learns about their own
// submission.
var (
	ErrNotParticipant = errors.New("sender is not a participant of the conversation")
	ErrInvalidContent = errors.New("message content is empty or too large")
	ErrQueueFull      = errors.New("submission queue full")
	ErrStopped        = errors.New("pipeline stopped")
)

// Input is one message submission.
type Input struct {
	SenderID       int64
	SenderUsername string
	ConversationID int64
	Content        string
	MessageType    domain.MessageType
	IdempotencyKey string
}

// Job is a queued submission from a transport read loop. The result is
// pushed back through the job's reply callback so the read loop never blocks
// on storage I/O.
type Job struct {
	Input Input
	// Reply receives the submission outcome. Called from a worker goroutine.
	Reply func(msg *domain.Message, err error)
}

// Pipeline coordinates validation, durable persistence, and fan-out.
type Pipeline struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	reg           *registry.Registry
	log           *slog.Logger

	maxContentLen int
	dedupe        *idempotencyCache

	jobs    chan Job
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

type Options struct {
	MaxContentLength  int
	Workers           int
	QueueSize         int
	IdempotencyWindow time.Duration
}

func New(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	reg *registry.Registry,
	log *slog.Logger,
	opts Options,
) *Pipeline {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = 5000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = 10 * time.Minute
	}
	return &Pipeline{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		reg:           reg,
		log:           log,
		maxContentLen: opts.MaxContentLength,
		dedupe:        newIdempotencyCache(opts.IdempotencyWindow),
		jobs:          make(chan Job, opts.QueueSize),
		stopped:       make(chan struct{}),
	}
}

// Start launches the worker pool draining the submission queue.
func (p *Pipeline) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		case job := <-p.jobs:
			msg, err := p.Submit(ctx, job.Input)
			if job.Reply != nil {
				job.Reply(msg, err)
			}
		}
	}
}

// Enqueue hands a submission to the worker pool without blocking the
// caller's read loop. A full queue is reported immediately.
func (p *Pipeline) Enqueue(job Job) error {
	select {
	case <-p.stopped:
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop prevents further enqueues and waits for in-flight jobs to complete.
// Accepted messages are never rolled back.
func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// Submit runs the full ingestion path and returns the persisted message.
// REST senders call it directly; duplex senders go through Enqueue.
func (p *Pipeline) Submit(ctx context.Context, in Input) (*domain.Message, error) {
	if in.IdempotencyKey != "" {
		if msg, ok := p.dedupe.lookup(in.SenderID, in.IdempotencyKey); ok {
			p.log.Debug("pipeline: idempotent resubmission",
				"sender_id", in.SenderID, "message_id", msg.ID)
			return msg, nil
		}
	}

	if err := p.validate(ctx, in); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MessageType:    in.MessageType,
	}
	if err := p.messages.Create(ctx, msg); err != nil {
		// Storage failure aborts this submission only; the process and
		// other in-flight submissions are unaffected.
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if err := p.conversations.Touch(ctx, in.ConversationID); err != nil {
		p.log.Warn("pipeline: touch conversation", "conversation_id", in.ConversationID, "err", err)
	}

	if in.IdempotencyKey != "" {
		p.dedupe.record(in.SenderID, in.IdempotencyKey, msg)
	}

	p.fanOut(ctx, msg, in.SenderUsername)
	return msg, nil
}

func (p *Pipeline) validate(ctx context.Context, in Input) error {
	if in.Content == "" || utf8.RuneCountInString(in.Content) > p.maxContentLen {
		return ErrInvalidContent
	}
	if !in.MessageType.Valid() {
		return ErrInvalidContent
	}

	conv, err := p.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return domain.ErrNotFound
	}
	ok, err := p.participants.IsParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// fanOut delivers the message frame to every live connection of every
// participant, the sender included so their other devices stay in sync.
// Individual delivery failures are logged and skipped; one dead connection
// never aborts delivery to the rest.
func (p *Pipeline) fanOut(ctx context.Context, msg *domain.Message, senderUsername string) {
	ids, err := p.participants.ListParticipantIDs(ctx, msg.ConversationID)
	if err != nil {
		p.log.Error("pipeline: resolve recipients",
			"conversation_id", msg.ConversationID, "err", err)
		return
	}

	frame := protocol.NewMessageFrame(msg, senderUsername)
	var delivered, failed int
	for _, uid := range ids {
		for _, h := range p.reg.Resolve(uid) {
			if err := h.Deliver(frame); err != nil {
				failed++
				p.log.Warn("pipeline: delivery failed",
					"message_id", msg.ID, "user_id", uid, "conn_id", h.ID(), "err", err)
				continue
			}
			delivered++
		}
	}
	p.log.Debug("pipeline: fan-out complete",
		"message_id", msg.ID, "delivered", delivered, "failed", failed)
}
