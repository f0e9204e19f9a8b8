package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/loomcms/loom/hostcap"
)

var (
	ErrInstanceClosed = errors.New("instance closed")
	ErrStartTimeout   = errors.New("instance start timeout")
)

// Instance is one live sandboxed module scoped to a single request. fn is
// an extension-point name or, for module-to-module invocation, an export
// name. Implementations are not safe for concurrent Invoke; a request is
// one task, so none occurs.
type Instance interface {
	Invoke(ctx context.Context, fn string, payload json.RawMessage) (json.RawMessage, error)
	Close() error
}

// InstanceFactory produces live instances. The kernel's default factory
// instantiates the module's wasm; tests substitute scripted instances.
type InstanceFactory func(ctx context.Context, cm *CompiledModule, registry *hostcap.Registry) (Instance, error)

// Protocol framing, embedded in guest stderr. Regular stderr passes
// through; framed messages are host calls or invocation signals.
const (
	protocolPrefix = "\x00LOOM:"
	protocolSuffix = "\x00"
	readySignal    = "\x00LOOM_READY\x00"
	resultPrefix   = "\x00LOOM_RESULT:"
	errorPrefix    = "\x00LOOM_ERROR:"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type invokeCommand struct {
	Type    string          `json:"type"`
	Fn      string          `json:"fn"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type invokeOutcome struct {
	result json.RawMessage
	err    error
}

type wasmInstance struct {
	name     string
	kernel   *Kernel
	shell    *shell
	stdout   *guestOutput
	protocol *guestProtocol

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	cancel      context.CancelFunc
	module      api.Module

	mu     sync.Mutex
	execMu sync.Mutex
	closed bool
}

// newWasmInstance is the kernel's default InstanceFactory: a fresh wazero
// instantiation of the compiled artifact wired to a recycled shell.
func (k *Kernel) newWasmInstance(ctx context.Context, cm *CompiledModule, registry *hostcap.Registry) (Instance, error) {
	sh, reused := k.pool.get()
	if reused {
		k.metrics.poolReuse.Inc()
	}
	k.metrics.instancesCreated.Inc()

	// The instance gets its own cancelable context: Close must be able to
	// kill a guest that never started or never exits, independent of the
	// request context staying alive.
	instCtx, cancel := context.WithCancel(ctx)

	inst := &wasmInstance{
		name:   cm.Manifest.Name,
		kernel: k,
		shell:  sh,
		stdout: &guestOutput{buf: &sh.stdout},
		cancel: cancel,
	}

	inst.stdinReader, inst.stdin = io.Pipe()
	inst.protocol = newGuestProtocol(instCtx, registry, inst.stdin)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(inst.stdout).
		WithStderr(inst.protocol).
		WithStdin(inst.stdinReader).
		WithArgs(cm.Manifest.Name).
		WithEnv("LOOM_MODULE", cm.Manifest.Name).
		WithName("")

	go func() {
		mod, err := k.runtime.InstantiateModule(instCtx, cm.compiled, moduleConfig)
		if err != nil {
			inst.protocol.exited(err)
			return
		}
		inst.mu.Lock()
		inst.module = mod
		inst.mu.Unlock()
		// A clean return means the guest left its invoke loop.
		inst.protocol.exited(nil)
	}()

	select {
	case <-inst.protocol.Ready():
		return inst, nil
	case err := <-inst.protocol.Exited():
		inst.Close()
		if err == nil {
			err = errors.New("module exited before signaling ready")
		}
		return nil, err
	case <-time.After(k.cfg.startTimeout):
		inst.Close()
		return nil, ErrStartTimeout
	case <-ctx.Done():
		inst.Close()
		return nil, ctx.Err()
	}
}

func (i *wasmInstance) Invoke(ctx context.Context, fn string, payload json.RawMessage) (json.RawMessage, error) {
	i.execMu.Lock()
	defer i.execMu.Unlock()

	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, ErrInstanceClosed
	}

	i.protocol.ResetInvoke()

	cmd := invokeCommand{Type: "invoke", Fn: fn, Payload: payload}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode invoke: %w", err)
	}
	data = append(data, '\n')

	if _, err := i.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write invoke: %w", err)
	}

	defer i.flushGuestOutput(ctx)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-i.protocol.Exited():
		// The guest may have delivered its result just before exiting.
		select {
		case outcome := <-i.protocol.Done():
			return outcome.result, outcome.err
		default:
		}
		if err == nil {
			err = errors.New("module exited mid-invocation")
		}
		return nil, err
	case outcome := <-i.protocol.Done():
		return outcome.result, outcome.err
	}
}

// flushGuestOutput forwards anything the guest printed to stdout into the
// kernel log at debug level.
func (i *wasmInstance) flushGuestOutput(ctx context.Context) {
	if out := i.stdout.Drain(); out != "" {
		i.kernel.logger.Log(ctx, slog.LevelDebug, "guest stdout",
			slog.String("module", i.name), slog.String("output", out))
	}
}

func (i *wasmInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true

	// Cancel first: the runtime closes on context done, so even a guest
	// that never signaled ready and never reads stdin gets torn down.
	if i.cancel != nil {
		i.cancel()
	}
	if i.stdinReader != nil {
		i.stdinReader.Close()
	}
	if i.stdin != nil {
		i.stdin.Close()
	}
	if i.module != nil {
		i.module.Close(context.Background())
	}

	// The guest may still be writing to the shell's buffers. Recycle only
	// once it has actually exited; until then the shell stays checked out.
	sh := i.shell
	i.shell = nil
	pool := i.kernel.pool
	exited := i.protocol.Exited()
	go func() {
		<-exited
		pool.put(sh)
	}()
	return nil
}

// guestOutput synchronizes guest stdout writes with host reads.
type guestOutput struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (o *guestOutput) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(data)
}

func (o *guestOutput) Drain() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.buf.String()
	o.buf.Reset()
	return out
}

// guestProtocol intercepts guest stderr. Framed messages trigger host
// capability calls or deliver invocation outcomes; everything else is
// passed through as real stderr.
type guestProtocol struct {
	ctx         context.Context
	registry    *hostcap.Registry
	stdinWriter *io.PipeWriter

	buf        bytes.Buffer
	realStderr bytes.Buffer

	readyCh chan struct{}
	doneCh  chan invokeOutcome
	exitCh  chan error
	ready   bool
	exitOne sync.Once

	mu      sync.Mutex
	writeMu sync.Mutex
}

func newGuestProtocol(ctx context.Context, registry *hostcap.Registry, stdinWriter *io.PipeWriter) *guestProtocol {
	return &guestProtocol{
		ctx:         ctx,
		registry:    registry,
		stdinWriter: stdinWriter,
		readyCh:     make(chan struct{}),
		doneCh:      make(chan invokeOutcome, 1),
		exitCh:      make(chan error, 1),
	}
}

func (p *guestProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data)
	p.buf.Write(data)

	for {
		content := p.buf.String()
		if p.checkSignals(content) {
			continue
		}
		if p.processCall(content) {
			continue
		}
		break
	}

	return n, nil
}

func (p *guestProtocol) checkSignals(content string) bool {
	if idx := strings.Index(content, readySignal); idx != -1 {
		p.consume(content, idx, idx+len(readySignal))
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
		return true
	}

	if idx := strings.Index(content, resultPrefix); idx != -1 {
		after := content[idx+len(resultPrefix):]
		end := strings.Index(after, protocolSuffix)
		if end == -1 {
			return false
		}
		payload := after[:end]
		p.consume(content, idx, idx+len(resultPrefix)+end+1)
		p.deliver(invokeOutcome{result: json.RawMessage(payload)})
		return true
	}

	if idx := strings.Index(content, errorPrefix); idx != -1 {
		after := content[idx+len(errorPrefix):]
		end := strings.Index(after, protocolSuffix)
		if end == -1 {
			return false
		}
		msg := after[:end]
		p.consume(content, idx, idx+len(errorPrefix)+end+1)
		p.deliver(invokeOutcome{err: errors.New(msg)})
		return true
	}

	return false
}

func (p *guestProtocol) processCall(content string) bool {
	idx := strings.Index(content, protocolPrefix)
	if idx == -1 {
		// Keep anything from the first NUL on: it may be the head of a
		// frame whose remainder has not arrived yet.
		if nul := strings.IndexByte(content, 0); nul != -1 {
			p.realStderr.WriteString(content[:nul])
			p.buf.Reset()
			p.buf.WriteString(content[nul:])
			return false
		}
		p.realStderr.WriteString(content)
		p.buf.Reset()
		return false
	}

	end := strings.Index(content[idx+len(protocolPrefix):], protocolSuffix)
	if end == -1 {
		p.realStderr.WriteString(content[:idx])
		p.buf.Reset()
		p.buf.WriteString(content[idx:])
		return false
	}

	jsonStr := content[idx+len(protocolPrefix) : idx+len(protocolPrefix)+end]
	p.consume(content, idx, idx+len(protocolPrefix)+end+1)

	var req callRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		go p.respond(callResponse{Error: "invalid call format"})
		return true
	}

	// The capability runs synchronously under the protocol lock. That
	// serializes all host calls from one guest, which is what keeps the
	// lock-free request state safe. Only the reply write is asynchronous,
	// so a full stdin pipe never blocks the guest's stderr.
	resp := p.executeCall(req)
	go p.respond(resp)
	return true
}

// consume moves content[:from] to real stderr and drops through end.
func (p *guestProtocol) consume(content string, from, end int) {
	if from > 0 {
		p.realStderr.WriteString(content[:from])
	}
	p.buf.Reset()
	p.buf.WriteString(content[end:])
}

func (p *guestProtocol) executeCall(req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *guestProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stdinWriter.Write(append(data, '\n'))
}

func (p *guestProtocol) deliver(outcome invokeOutcome) {
	select {
	case p.doneCh <- outcome:
	default:
	}
}

func (p *guestProtocol) exited(err error) {
	p.exitOne.Do(func() {
		p.exitCh <- err
		close(p.exitCh)
	})
}

func (p *guestProtocol) Ready() <-chan struct{}     { return p.readyCh }
func (p *guestProtocol) Done() <-chan invokeOutcome { return p.doneCh }
func (p *guestProtocol) Exited() <-chan error       { return p.exitCh }

func (p *guestProtocol) ResetInvoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.doneCh:
	default:
	}
	p.realStderr.Reset()
}

func (p *guestProtocol) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
