package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/nats-io/nats.go"
)

// StreamRecognizer runs streaming recognition. *stt.Service satisfies it.
type StreamRecognizer interface {
	RecognizeStream(ctx context.Context, chunks <-chan []byte, language, preferred string, l stt.Listener)
}

// BusOptions selects what the bus gateway serves.
type BusOptions struct {
	Commands        bool
	Frames          bool
	DefaultLanguage string
	// FrameWait bounds how long a frame may wait for a slow recognizer
	// before it is dropped.
	FrameWait time.Duration
}

// Bus serves voice commands and audio frame sessions over NATS. Events of
// an utterance are published on voice.event.<utterance_id>.
type Bus struct {
	client   *bus.Client
	handler  Handler
	streamer StreamRecognizer
	opts     BusOptions
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     []*nats.Subscription
	sessions map[string]*frameSession
}

type frameSession struct {
	frames chan []byte
}

func NewBus(parent context.Context, client *bus.Client, handler Handler, streamer StreamRecognizer, opts BusOptions, log *slog.Logger) *Bus {
	if opts.FrameWait <= 0 {
		opts.FrameWait = time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Bus{
		client:   client,
		handler:  handler,
		streamer: streamer,
		opts:     opts,
		log:      log.With(slog.String("component", "gateway.bus")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*frameSession),
	}
}

func (b *Bus) Start() error {
	if b.opts.Commands {
		sub, err := b.client.Subscribe(protocol.SubjectVoiceCommand, b.handleCommand)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	if b.opts.Frames {
		if b.streamer == nil {
			return errors.New("frame sessions need a stream recognizer")
		}
		sub, err := b.client.Subscribe(protocol.SubjectAudioFramePrefix+".*", b.handleFrame)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	b.log.Info("bus gateway started",
		slog.Bool("commands", b.opts.Commands),
		slog.Bool("frames", b.opts.Frames))
	return nil
}

// Close stops accepting messages, cancels running utterances and waits for
// them to finish.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.cancel()
	b.mu.Lock()
	clear(b.sessions)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) handleCommand(msg *nats.Msg) {
	var cmd protocol.VoiceCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		b.log.Warn("invalid voice command", slog.String("error", err.Error()))
		b.ack(msg, protocol.CommandAck{Stage: string(pipeline.StageFailed), Error: "message is not a voice command"})
		return
	}
	req, err := RequestFrom(cmd)
	if err != nil {
		b.ack(msg, protocol.CommandAck{UtteranceID: cmd.UtteranceID, Stage: string(pipeline.StageFailed), Error: err.Error()})
		return
	}
	if req.UtteranceID == "" {
		req.UtteranceID = uuid.NewString()
	}
	b.run(req, msg)
}

// run handles req in the background. msg, when it has a reply subject, is
// acknowledged with the outcome.
func (b *Bus) run(req pipeline.Request, msg *nats.Msg) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		out := b.handler.Handle(b.ctx, req, b.sink())
		if msg == nil {
			return
		}
		ack := protocol.CommandAck{
			UtteranceID:  out.UtteranceID,
			Stage:        string(out.Stage),
			Success:      out.Stage == pipeline.StageCompleted && out.Result.Success,
			ResponseText: out.Response,
		}
		if out.Err != nil {
			ack.Error = out.Err.Error()
		}
		b.ack(msg, ack)
	}()
}

func (b *Bus) ack(msg *nats.Msg, ack protocol.CommandAck) {
	if msg == nil || msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("failed to acknowledge command", slog.String("error", err.Error()))
	}
}

func (b *Bus) sink() pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, e pipeline.Event) error {
		return b.client.PublishJSON(protocol.EventSubject(e.UtteranceID), e.Envelope())
	})
}

func (b *Bus) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.log.Warn("invalid audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = protocol.FrameSession(msg.Subject)
	}

	b.mu.Lock()
	session, ok := b.sessions[frame.SessionID]
	if !ok {
		if b.ctx.Err() != nil {
			b.mu.Unlock()
			return
		}
		session = &frameSession{frames: make(chan []byte, 64)}
		b.sessions[frame.SessionID] = session
		b.startSession(frame)
	}
	if frame.Final {
		delete(b.sessions, frame.SessionID)
	}
	b.mu.Unlock()

	if len(frame.PCM) > 0 {
		select {
		case session.frames <- frame.PCM:
		case <-b.ctx.Done():
		case <-time.After(b.opts.FrameWait):
			b.log.Warn("dropping audio frame", slog.String("session_id", frame.SessionID), slog.Int("sequence", frame.Sequence))
		}
	}
	if frame.Final {
		close(session.frames)
	}
}

// startSession streams one session through recognition. The final
// transcript is routed as a command whose utterance ID is the session ID.
func (b *Bus) startSession(first protocol.AudioFrame) {
	id := first.SessionID
	language := first.Language
	if language == "" {
		language = b.opts.DefaultLanguage
	}
	session := b.sessions[id]
	log := b.log.With(slog.String("session_id", id))
	log.Info("audio session started")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.streamer.RecognizeStream(b.ctx, session.frames, language, "", stt.ListenerFuncs{
			Interim: func(r stt.Result) {
				b.publishTranscript(id, r, true, "")
			},
			Final: func(r stt.Result) {
				b.publishTranscript(id, r, false, "")
				log.Info("audio session recognized", slog.String("backend", r.Backend))
				if b.handler != nil {
					b.run(pipeline.Request{UtteranceID: id, Text: r.Text, Language: r.Language}, nil)
				}
			},
			Error: func(err error) {
				log.Warn("audio session failed", slog.String("error", err.Error()))
				b.publishTranscript(id, stt.Result{}, false, err.Error())
			},
		})
		// Drain anything the recognizer left unread so the frame handler
		// never blocks on an abandoned session.
		for {
			select {
			case _, ok := <-session.frames:
				if !ok {
					return
				}
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) publishTranscript(sessionID string, r stt.Result, partial bool, errMsg string) {
	t := protocol.Transcript{
		SessionID: sessionID,
		Text:      r.Text,
		Partial:   partial,
		Backend:   r.Backend,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
	if r.Confidence != nil {
		t.Confidence = *r.Confidence
	}
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	if err := b.client.PublishJSON(subject, t); err != nil {
		b.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}
