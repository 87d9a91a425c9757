// Package rpc exposes the Conversation Engine, Supervisor, Provider
// Registry, Event Log, and Pronunciation Manager over a single line-
// delimited JSON-RPC 2.0 connection on stdio. One dispatch table keyed by
// method name stands in for what would otherwise be one struct per concern
// with Wails binding each method individually; there is no Wails runtime
// here to bind to.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/eventlog"
	"github.com/normanking/voicemoded/internal/models"
	"github.com/normanking/voicemoded/internal/pronounce"
	"github.com/normanking/voicemoded/internal/registry"
	"github.com/normanking/voicemoded/internal/stats"
	"github.com/normanking/voicemoded/internal/supervisor"
	"github.com/normanking/voicemoded/internal/voice"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

// Server dispatches JSON-RPC requests against the wired domain objects.
type Server struct {
	engine       *voice.Engine
	ttsReg       *registry.Registry
	sttReg       *registry.Registry
	supervisor   *supervisor.Supervisor
	pronounceMgr *pronounce.Manager
	catalog      *models.Catalog
	paths        *clockenv.Paths
	clock        clockenv.Clock
	metrics      *stats.Metrics
	templates    map[supervisor.Name]supervisor.Template
	logger       zerolog.Logger

	methods map[string]handler
	allow   map[string]struct{}
	deny    map[string]struct{}

	writeMu sync.Mutex
	busy    int32
}

// Deps collects every component the RPC surface binds a method to.
type Deps struct {
	Engine       *voice.Engine
	TTSRegistry  *registry.Registry
	STTRegistry  *registry.Registry
	Supervisor   *supervisor.Supervisor
	Pronounce    *pronounce.Manager
	Catalog      *models.Catalog
	Paths        *clockenv.Paths
	Clock        clockenv.Clock
	Metrics      *stats.Metrics
	Templates    map[supervisor.Name]supervisor.Template
	Logger       zerolog.Logger
	ToolsEnabled  map[string]struct{} // from VOICEMODE_TOOLS_ENABLED, nil means all
	ToolsDisabled map[string]struct{} // from VOICEMODE_TOOLS_DISABLED
}

// NewServer builds a Server ready to Serve.
func NewServer(d Deps) *Server {
	clock := d.Clock
	if clock == nil {
		clock = clockenv.RealClock{}
	}
	return &Server{
		engine:       d.Engine,
		ttsReg:       d.TTSRegistry,
		sttReg:       d.STTRegistry,
		supervisor:   d.Supervisor,
		pronounceMgr: d.Pronounce,
		catalog:      d.Catalog,
		paths:        d.Paths,
		clock:        clock,
		metrics:      d.Metrics,
		templates:    d.Templates,
		logger:       d.Logger.With().Str("component", "rpc").Logger(),
		methods:      methodTable(),
		allow:        d.ToolsEnabled,
		deny:         d.ToolsDisabled,
	}
}

func (s *Server) tryAcquireBusy() bool {
	return atomic.CompareAndSwapInt32(&s.busy, 0, 1)
}

func (s *Server) releaseBusy() {
	atomic.StoreInt32(&s.busy, 0)
}

func (s *Server) readEventDay(day time.Time) ([]voicetypes.Event, error) {
	return eventlog.ReadDay(s.paths, day)
}

// Serve reads one JSON-RPC request per line from r, dispatching each in its
// own goroutine so a long converse call never blocks cancel or status
// requests, and writes each response as one line to w. It returns when r is
// exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		wg.Add(1)
		go func(line string) {
			defer wg.Done()
			resp := s.dispatchLine(ctx, line)
			s.writeResponse(w, resp)
		}(line)

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}
	}
	wg.Wait()
	return scanner.Err()
}

func (s *Server) dispatchLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return Response{JSONRPC: "2.0", Error: parseError(err.Error())}
	}
	return s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	if !s.methodAllowed(req.Method) {
		resp.Error = &Error{Code: -32601, Message: fmt.Sprintf("method %q is disabled", req.Method)}
		return resp
	}

	h, ok := s.methods[req.Method]
	if !ok {
		resp.Error = methodNotFound(req.Method)
		return resp
	}

	result, rpcErr := h(ctx, s, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

// methodAllowed enforces VOICEMODE_TOOLS_ENABLED / VOICEMODE_TOOLS_DISABLED:
// an explicit allow list is authoritative when set, otherwise the deny list
// subtracts from every registered method.
func (s *Server) methodAllowed(method string) bool {
	if s.allow != nil {
		_, ok := s.allow[method]
		return ok
	}
	if s.deny != nil {
		if _, ok := s.deny[method]; ok {
			return false
		}
	}
	return true
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal response failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	w.Write(data)
	w.Write([]byte("\n"))
}

// tailServiceLog returns the last n lines of a managed service's log file
// under paths.ServiceDir(name)/log, mirroring the Supervisor's own
// file-per-service layout.
func (s *Server) tailServiceLog(name string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	path := filepath.Join(s.paths.ServiceDir(name), "log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
