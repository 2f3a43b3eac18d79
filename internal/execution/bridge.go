// Package execution bridges room code-execution requests to an external
// sandbox runner. Every request gets its own runner connection and its own
// goroutine; the bridge keeps no state between requests.
package execution

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
)

const (
	MaxFiles    = 10
	MaxFileSize = 1024 * 1024

	maxBufferedOutput  = 64 * 1024
	defaultInitTimeout = 5 * time.Second
	defaultExecTimeout = 60 * time.Second
	cancelGrace        = 2 * time.Second
	writeWait          = 5 * time.Second
)

type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Options struct {
	Args               []string      `json:"args,omitempty"`
	Stdin              string        `json:"stdin,omitempty"`
	CompileTimeout     time.Duration `json:"compileTimeout,omitempty"`
	RunTimeout         time.Duration `json:"runTimeout,omitempty"`
	CompileMemoryLimit int64         `json:"compileMemoryLimit,omitempty"`
	RunMemoryLimit     int64         `json:"runMemoryLimit,omitempty"`
}

// Request describes one execution. EntryName is the authoritative name of
// the file being run; Files carries the sources, entry file included.
type Request struct {
	RoomCode    string
	RequesterID string
	FileID      string
	EntryName   string
	Language    string
	Files       []File
	Options     Options
}

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventStage     EventKind = "stage"
	EventData      EventKind = "data"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Event is emitted by a running execution. Exactly one terminal event
// (completed or error) ends every execution that was started.
type Event struct {
	Kind        EventKind `json:"-"`
	ExecutionID string    `json:"executionId"`
	FileID      string    `json:"fileId,omitempty"`
	Language    string    `json:"language,omitempty"`
	Version     string    `json:"version,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	Data        string    `json:"data,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	Error       *Error    `json:"error,omitempty"`
}

type StageResult struct {
	Stage     string `json:"stage"`
	Code      *int   `json:"code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
	CPUTime   int64  `json:"cpuTime,omitempty"`
	WallTime  int64  `json:"wallTime,omitempty"`
	Memory    int64  `json:"memory,omitempty"`
}

type Result struct {
	Language string        `json:"language"`
	Version  string        `json:"version"`
	Stages   []StageResult `json:"stages"`
}

type Config struct {
	URL         string
	InitTimeout time.Duration
	ExecTimeout time.Duration
}

type Bridge struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Bridge {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	return &Bridge{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.InitTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With().Str("component", "execution").Logger(),
	}
}

// Validate checks a request without contacting the runner and returns the
// resolved language and the files ordered with the entry file first.
func Validate(req Request) (Language, []File, error) {
	lang, ok := LanguageFor(req.EntryName)
	if !ok {
		return Language{}, nil, newError(KindUnsupportedLanguage, "no runtime for %q", req.EntryName)
	}
	if req.Language != "" && req.Language != lang.Name {
		return Language{}, nil, newError(KindUnsupportedLanguage, "%q is not a %s file", req.EntryName, req.Language)
	}
	if len(req.Files) == 0 {
		return Language{}, nil, newError(KindInvalidRequest, "no files to run")
	}
	if len(req.Files) > MaxFiles {
		return Language{}, nil, newError(KindTooManyFiles, "%d files exceeds the limit of %d", len(req.Files), MaxFiles)
	}
	if req.Options.CompileTimeout < 0 || req.Options.RunTimeout < 0 {
		return Language{}, nil, newError(KindInvalidRequest, "negative timeout")
	}

	ordered := make([]File, 0, len(req.Files))
	entry := -1
	for i, f := range req.Files {
		if len(f.Content) > MaxFileSize {
			return Language{}, nil, newError(KindFileTooLarge, "%q exceeds %d bytes", f.Name, MaxFileSize)
		}
		if f.Name == req.EntryName && entry < 0 {
			entry = i
		}
	}
	if entry < 0 {
		return Language{}, nil, newError(KindInvalidRequest, "entry file %q not provided", req.EntryName)
	}
	ordered = append(ordered, req.Files[entry])
	for i, f := range req.Files {
		if i != entry {
			ordered = append(ordered, f)
		}
	}
	return lang, ordered, nil
}

// Start validates the request, then runs it on its own goroutine. emit is
// called from that goroutine only, in order. Validation failures are
// returned directly and no connection is opened.
func (b *Bridge) Start(ctx context.Context, req Request, emit func(Event)) (*Execution, error) {
	lang, files, err := Validate(req)
	if err != nil {
		metrics.Executions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	init := initMessage{
		Type:               msgInit,
		Language:           lang.Name,
		Version:            lang.Version,
		Args:               req.Options.Args,
		Stdin:              req.Options.Stdin,
		CompileTimeout:     req.Options.CompileTimeout.Milliseconds(),
		RunTimeout:         req.Options.RunTimeout.Milliseconds(),
		CompileMemoryLimit: req.Options.CompileMemoryLimit,
		RunMemoryLimit:     req.Options.RunMemoryLimit,
	}
	for _, f := range files {
		init.Files = append(init.Files, runnerFile{Name: f.Name, Content: f.Content})
	}

	runCtx, cancel := context.WithTimeout(ctx, b.cfg.InitTimeout+b.cfg.ExecTimeout)
	exec := &Execution{
		ID:          ulid.Make().String(),
		RequesterID: req.RequesterID,
		FileID:      req.FileID,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go exec.run(runCtx, b, init, lang, emit)
	return exec, nil
}

// Run executes a request and buffers everything into one final result
func (b *Bridge) Run(ctx context.Context, req Request) (*Result, error) {
	var (
		result  *Result
		failure *Error
	)
	exec, err := b.Start(ctx, req, func(ev Event) {
		switch ev.Kind {
		case EventCompleted:
			result = ev.Result
		case EventError:
			failure = ev.Error
		}
	})
	if err != nil {
		return nil, err
	}

	<-exec.Done()
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

// Execution is the handle of one running job
type Execution struct {
	ID          string
	RequesterID string
	FileID      string

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     bool
	cancelled bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Write sends input to the running program. Only stdin is writable.
func (e *Execution) Write(stream, data string) error {
	if stream != "stdin" {
		return newError(KindInvalidStreamTarget, "cannot write to %q", stream)
	}
	return e.send(dataMessage{Type: msgData, Stream: stream, Data: data})
}

// Signal forwards a signal to the running program
func (e *Execution) Signal(signal string) error {
	if !validSignals[signal] {
		return newError(KindInvalidSignal, "%q", signal)
	}
	return e.send(signalMessage{Type: msgSignal, Signal: signal})
}

// Cancel kills the program. If the runner does not wind the job down
// within a short grace period the connection is dropped.
func (e *Execution) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()

	if err := e.Signal("SIGKILL"); err != nil {
		e.cancel()
		return
	}
	timer := time.AfterFunc(cancelGrace, e.cancel)
	go func() {
		<-e.done
		timer.Stop()
	}()
}

// Abort drops the runner connection immediately
func (e *Execution) Abort() {
	e.cancel()
}

func (e *Execution) send(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
		return newError(KindNotRunning, "execution %s has finished", e.ID)
	default:
	}
	if e.conn == nil || !e.ready {
		return newError(KindUninitializedCommand, "runner has not acknowledged the job")
	}
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := e.conn.WriteJSON(msg); err != nil {
		return newError(KindConnectionLost, "%v", err)
	}
	return nil
}

func (e *Execution) attach(conn *websocket.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

func (e *Execution) markReady() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

func (e *Execution) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Execution) run(ctx context.Context, b *Bridge, init initMessage, lang Language, emit func(Event)) {
	start := time.Now()
	logger := b.logger.With().Str("execution", e.ID).Str("language", lang.Name).Logger()

	defer close(e.done)
	defer e.cancel()

	fail := func(err *Error) {
		logger.Info().Str("kind", string(err.Kind)).Str("reason", err.Message).Msg("execution failed")
		metrics.Executions.WithLabelValues(string(err.Kind)).Inc()
		emit(Event{Kind: EventError, ExecutionID: e.ID, FileID: e.FileID, Error: err})
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.InitTimeout)
	conn, _, err := b.dialer.DialContext(dialCtx, b.cfg.URL, nil)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil && e.wasCancelled() {
			fail(newError(KindCancelled, "cancelled before the runner was reached"))
			return
		}
		fail(newError(KindConnectFailed, "%v", err))
		return
	}
	e.attach(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(init); err != nil {
		fail(newError(KindConnectionLost, "sending init: %v", err))
		return
	}

	// Handshake: the runner must acknowledge before InitTimeout
	conn.SetReadDeadline(time.Now().Add(b.cfg.InitTimeout))
	var ack runnerMessage
	if err := conn.ReadJSON(&ack); err != nil {
		fail(e.readError(ctx, err, KindInitTimeout))
		return
	}
	switch ack.Type {
	case msgRuntime:
	case msgError:
		fail(&Error{Kind: KindFatalRunnerError, Message: ack.Message})
		return
	default:
		fail(newError(KindFatalRunnerError, "expected runtime acknowledgement, got %q", ack.Type))
		return
	}
	e.markReady()

	result := &Result{Language: lang.Name, Version: lang.Version}
	if ack.Language != "" {
		result.Language, result.Version = ack.Language, ack.Version
	}
	emit(Event{Kind: EventStarted, ExecutionID: e.ID, FileID: e.FileID, Language: result.Language, Version: result.Version})
	logger.Debug().Msg("execution started")

	conn.SetReadDeadline(time.Now().Add(b.cfg.ExecTimeout))
	current := -1
	stage := func() *StageResult {
		if current < 0 {
			result.Stages = append(result.Stages, StageResult{Stage: "run"})
			current = len(result.Stages) - 1
		}
		return &result.Stages[current]
	}

	for {
		var msg runnerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if ferr := errorForClose(closeErr.Code, closeErr.Text); ferr != nil {
					fail(ferr)
					return
				}
				metrics.Executions.WithLabelValues("completed").Inc()
				metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
				emit(Event{Kind: EventCompleted, ExecutionID: e.ID, FileID: e.FileID, Result: result})
				logger.Debug().Dur("elapsed", time.Since(start)).Msg("execution completed")
				return
			}
			fail(e.readError(ctx, err, KindFatalRunnerError))
			return
		}

		switch msg.Type {
		case msgStage:
			result.Stages = append(result.Stages, StageResult{Stage: msg.Stage})
			current = len(result.Stages) - 1
			emit(Event{Kind: EventStage, ExecutionID: e.ID, FileID: e.FileID, Stage: msg.Stage})
		case msgData:
			s := stage()
			s.appendOutput(msg.Stream, msg.Data)
			emit(Event{Kind: EventData, ExecutionID: e.ID, FileID: e.FileID, Stage: s.Stage, Stream: msg.Stream, Data: msg.Data})
		case msgExit:
			s := stage()
			s.Code = msg.Code
			if msg.Signal != nil {
				s.Signal = *msg.Signal
			}
			s.Status = StatusName(msg.Status)
			s.Message = msg.Message
			s.CPUTime, s.WallTime, s.Memory = msg.CPUTime, msg.WallTime, msg.Memory
		case msgError:
			fail(&Error{Kind: KindFatalRunnerError, Message: msg.Message})
			return
		default:
			logger.Warn().Str("type", msg.Type).Msg("ignoring unknown runner message")
		}
	}
}

// readError translates a failed read. Deadline expiry maps to onTimeout.
func (e *Execution) readError(ctx context.Context, err error, onTimeout ErrorKind) *Error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if ferr := errorForClose(closeErr.Code, closeErr.Text); ferr != nil {
			return ferr
		}
		return newError(KindFatalRunnerError, "runner closed before the job started")
	}
	if e.wasCancelled() {
		return newError(KindCancelled, "execution cancelled")
	}
	if ctx.Err() != nil {
		return newError(KindConnectionLost, "%v", ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if onTimeout == KindInitTimeout {
			return newError(KindInitTimeout, "runner did not acknowledge in time")
		}
		return newError(KindConnectionLost, "runner went silent")
	}
	return newError(KindConnectionLost, "%v", err)
}

func (s *StageResult) appendOutput(stream, data string) {
	target := &s.Stdout
	if stream == "stderr" {
		target = &s.Stderr
	}
	room := maxBufferedOutput - len(*target)
	if room <= 0 {
		s.Truncated = true
		return
	}
	if len(data) > room {
		data = data[:room]
		s.Truncated = true
	}
	*target += data
}
