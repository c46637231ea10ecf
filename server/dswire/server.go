package dswire

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/doc"
	"github.com/tuannm99/novads/internal/engine"
	"github.com/tuannm99/novads/internal/sql/executor"
)

// Handler is the engine surface the server needs.
type Handler interface {
	Query(ctx context.Context, req *engine.Request) (*engine.QueryResult, error)
	Update(ctx context.Context, req *engine.Request) (*executor.Summary, error)
	Flush(dataset string) (int, error)
	Datasets() []string
}

var _ Handler = (*engine.Engine)(nil)

type Server struct {
	h Handler
	// RequestTimeout bounds one request. Zero means no bound.
	RequestTimeout time.Duration
	// FrameLimit bounds one request frame. Zero means DefaultFrameLimit.
	FrameLimit uint32
	log            *slog.Logger
}

func NewServer(h Handler) *Server {
	return &Server{h: h, log: slog.Default().With("component", "dswire")}
}

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() { _ = ln.Close() }()
	s.log.Info("novads tcp server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	defer func() { _ = conn.Close() }()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	log := s.log.With("remote", conn.RemoteAddr().String())
	codec := NewCodec(conn, s.FrameLimit)
	for {
		var req Request
		if err := codec.Read(&req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("read frame", "err", err)
			}
			return
		}

		resp := s.Handle(ctx, &req)
		if err := codec.Write(resp); err != nil {
			log.Debug("write frame", "err", err)
			return
		}
	}
}

// Handle answers one request. Errors are reported in the response.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}
	resp := &Response{ID: req.ID}

	er := &engine.Request{
		Dataset: req.Dataset,
		Page:    req.Page,
		Params:  req.Params,
		Headers: req.Headers,
		Vars:    req.Vars,
	}

	switch req.Op {
	case OpQuery:
		res, err := s.h.Query(ctx, er)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Result, resp.Cached = res.Result, res.Cached

	case OpUpdate:
		if strings.TrimSpace(req.Document) != "" {
			root, err := doc.ParseString(req.Document)
			if err != nil {
				resp.Error = err.Error()
				break
			}
			er.Document = root
		}
		sum, err := s.h.Update(ctx, er)
		resp.Summary = sum
		var report *executor.FailureReport
		if errors.As(err, &report) {
			for _, f := range report.Failures {
				resp.Failures = append(resp.Failures, Failure{Row: f.Row, Action: f.Action.String(), Error: f.Err.Error()})
			}
		}
		if err != nil {
			resp.Error = err.Error()
		}

	case OpFlush:
		n, err := s.h.Flush(req.Dataset)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Flushed = n

	case OpDatasets:
		resp.Datasets = s.h.Datasets()

	default:
		resp.Error = "dswire: unknown op " + req.Op
	}

	if resp.Error != "" {
		s.log.Warn("request failed", "id", req.ID, "op", req.Op, "dataset", req.Dataset, "err", resp.Error)
	}
	return resp
}
