package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/ledger"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) tailOptions(r *http.Request) (ledger.TailOptions, error) {
	opts := ledger.TailOptions{PollInterval: s.cfg.TailPoll}
	q := r.URL.Query()
	if raw := q.Get("poll_interval"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return opts, types.Validationf("poll_interval must be a positive number of seconds")
		}
		opts.PollInterval = time.Duration(secs * float64(time.Second))
	}
	if raw := q.Get("after_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return opts, types.Validationf("after_id must be a non-negative integer")
		}
		opts.AfterID = &id
	}
	return opts, nil
}

// streamAudit tails the ledger and hands each record to write, calling ping
// whenever the stream has been idle for the keepalive interval. It returns
// when ctx ends or either callback fails, and never leaves the tail running.
func (s *Server) streamAudit(ctx context.Context, opts ledger.TailOptions, write func(types.AuditRecord) error, ping func() error) error {
	recs := make(chan types.AuditRecord)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.cfg.Ledger.Tail(gctx, opts, func(rec types.AuditRecord) error {
			select {
			case recs <- rec:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := ping(); err != nil {
					return err
				}
			case rec := <-recs:
				if err := write(rec); err != nil {
					return err
				}
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	opts, err := s.tailOptions(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpapi.WriteError(w, types.Internalf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(rec types.AuditRecord) error {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("event: audit\ndata: ")); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.streamAudit(r.Context(), opts, write, ping); err != nil {
		s.cfg.Log.V(1).Info("audit stream closed", "error", err.Error())
	}
}

func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	opts, err := s.tailOptions(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client never sends data; reading surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(rec types.AuditRecord) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(rec)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}
	if err := s.streamAudit(ctx, opts, write, ping); err != nil {
		s.cfg.Log.V(1).Info("audit websocket closed", "error", err.Error())
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
