package rtr

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/metrics"
	"github.com/openrpki/rpvalid/vrpdb"
)

// Config is the frozen set of RTR server parameters.
type Config struct {
	ListenAddr  string
	IdleTimeout time.Duration
	Timers      Timers
}

// Timers are the refresh/retry/expire intervals (seconds) advertised to
// clients in every End of Data PDU (RFC 8210 §5.8). Any field left at
// zero falls back to the RFC's suggested default for that field.
type Timers struct {
	RefreshInterval uint32
	RetryInterval   uint32
	ExpireInterval  uint32
}

const (
	defaultRefreshInterval = 3600
	defaultRetryInterval   = 600
	defaultExpireInterval  = 7200
)

func (t Timers) orDefaults() Timers {
	if t.RefreshInterval == 0 {
		t.RefreshInterval = defaultRefreshInterval
	}
	if t.RetryInterval == 0 {
		t.RetryInterval = defaultRetryInterval
	}
	if t.ExpireInterval == 0 {
		t.ExpireInterval = defaultExpireInterval
	}
	return t
}

// Server accepts RTR client connections and, per §4.I, notifies every
// connected client when the database commits a new serial. The client
// registry is a mutex-guarded map, the same shape as other
// connection-bookkeeping structures threaded throughout the teacher
// codebase's long-lived servers.
type Server struct {
	cfg    Config
	db     *vrpdb.DB
	logger log.Logger
	scope  metrics.Scope

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	nextID   uint32
}

// NewServer constructs a Server bound to db. scope may be nil.
func NewServer(cfg Config, db *vrpdb.DB, logger log.Logger, scope metrics.Scope) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		scope:    scope,
		sessions: make(map[*session]struct{}),
	}
}

// ListenAndServe binds the configured address and accepts connections
// until the listener is closed (e.g. by the caller calling Close).
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("rtr: binding %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.listener = ln
	srv.logger.Infof("rtr: listening on %s", srv.cfg.ListenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go srv.handle(conn)
	}
}

// Close stops accepting new connections and closes every active
// session; it does not wait for in-flight writes to flush.
func (srv *Server) Close() error {
	var err error
	if srv.listener != nil {
		err = srv.listener.Close()
	}
	srv.mu.Lock()
	sessions := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return err
}

func (srv *Server) handle(conn net.Conn) {
	id := uint16(atomic.AddUint32(&srv.nextID, 1))
	s, err := newSession(conn, id, srv.cfg.IdleTimeout, srv.cfg.Timers.orDefaults(), srv.db, srv.logger)
	if err != nil {
		srv.logger.Errf("rtr: session %d: %s", id, err)
		conn.Close()
		return
	}

	srv.mu.Lock()
	srv.sessions[s] = struct{}{}
	srv.mu.Unlock()
	if srv.scope != nil {
		_ = srv.scope.GaugeDelta("sessions", 1)
	}

	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, s)
		srv.mu.Unlock()
		if srv.scope != nil {
			_ = srv.scope.GaugeDelta("sessions", -1)
		}
		s.close()
	}()

	go s.runWriter()
	s.runReader()
}

// NotifyAll enqueues a Serial Notify on every connected session (§4.I).
// Delivery is best-effort: a session whose outbox enqueue fails is
// logged and skipped, never disturbing the rest of the broadcast. The
// registry snapshot is taken under lock and the sends themselves happen
// outside it, per §5's shared-state rules for the client registry.
func (srv *Server) NotifyAll(serial uint32) {
	srv.mu.Lock()
	sessions := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		s.notifySerial(serial)
	}
}
