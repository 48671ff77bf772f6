package rtr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/beeker1121/goque"

	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/vrpdb"
)

// session drives one client connection's state machine (§4.H's table):
// a reader goroutine consumes client PDUs and computes responses; those
// responses, and any Serial Notify pushed in by the notifier, are
// queued onto a disk-backed outbox a single writer goroutine drains.
// The outbox pattern mirrors the teacher's orphan-submission queue
// (ca.go's *goque.Queue) generalized from "durable retry backlog for a
// background resubmitter" to "durable per-connection backlog for a
// slow RTR client".
type session struct {
	conn        net.Conn
	sessionID   uint16
	idleTimeout time.Duration
	timers      Timers
	db          *vrpdb.DB
	logger      log.Logger

	version    uint8
	versionSet bool

	outboxDir string
	outbox    *goque.Queue
	outboxMu  sync.Mutex
	outboxCV  *sync.Cond
	closed    bool
}

func newSession(conn net.Conn, sessionID uint16, idleTimeout time.Duration, timers Timers, db *vrpdb.DB, logger log.Logger) (*session, error) {
	dir, err := os.MkdirTemp("", "rtr-session-")
	if err != nil {
		return nil, fmt.Errorf("creating session outbox directory: %w", err)
	}
	q, err := goque.OpenQueue(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("opening session outbox: %w", err)
	}
	s := &session{
		conn:        conn,
		sessionID:   sessionID,
		idleTimeout: idleTimeout,
		timers:      timers.orDefaults(),
		db:          db,
		logger:      logger,
		outboxDir:   dir,
		outbox:      q,
	}
	s.outboxCV = sync.NewCond(&s.outboxMu)
	return s, nil
}

// enqueue appends a raw PDU to the session's outbox and wakes the writer.
func (s *session) enqueue(pdu []byte) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.outbox.Enqueue(pdu); err != nil {
		s.logger.Errf("rtr: session %d: enqueuing PDU: %s", s.sessionID, err)
		return
	}
	s.outboxCV.Signal()
}

// notifySerial queues a Serial Notify for the current database serial,
// called by the notifier (§4.I) on every committed serial change.
func (s *session) notifySerial(serial uint32) {
	s.enqueue(EncodeSerialNotify(s.version, s.sessionID, serial))
}

func (s *session) close() {
	s.outboxMu.Lock()
	if s.closed {
		s.outboxMu.Unlock()
		return
	}
	s.closed = true
	s.outboxCV.Signal()
	s.outboxMu.Unlock()

	s.conn.Close()
	s.outbox.Close()
	os.RemoveAll(s.outboxDir)
}

// runWriter drains the outbox to the connection, blocking on the
// condition variable whenever it is empty (§5 "suspension/blocking
// points": condition-variable waits on the client outbox).
func (s *session) runWriter() {
	for {
		s.outboxMu.Lock()
		for s.outbox.Length() == 0 && !s.closed {
			s.outboxCV.Wait()
		}
		if s.closed {
			s.outboxMu.Unlock()
			return
		}
		item, err := s.outbox.Dequeue()
		s.outboxMu.Unlock()
		if err != nil {
			if err == goque.ErrEmpty {
				continue
			}
			s.logger.Errf("rtr: session %d: dequeuing outbox: %s", s.sessionID, err)
			return
		}
		if _, err := s.conn.Write(item.Value); err != nil {
			s.logger.Debugf("rtr: session %d: write failed: %s", s.sessionID, err)
			return
		}
	}
}

// runReader reads and dispatches client PDUs until the connection
// closes or a protocol violation ends the session (§4.H).
func (s *session) runReader() {
	for {
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		h, body, err := readPDU(s.conn)
		if err != nil {
			var lenErr *errPDULength
			if errors.As(err, &lenErr) {
				s.enqueue(EncodeErrorReport(s.version, ErrCorruptData, nil, err.Error()))
				return
			}
			if err != io.EOF {
				s.logger.Debugf("rtr: session %d: read failed: %s", s.sessionID, err)
			}
			return
		}
		if err := s.checkVersion(h); err != nil {
			s.enqueue(EncodeErrorReport(s.version, ErrUnsupportedProtocolVersion, nil, err.Error()))
			return
		}
		if err := s.dispatch(h, body); err != nil {
			s.enqueue(EncodeErrorReport(s.version, ErrInvalidRequest, nil, err.Error()))
			return
		}
	}
}

func (s *session) checkVersion(h header) error {
	if !s.versionSet {
		if h.version != VersionV0 && h.version != VersionV1 {
			return fmt.Errorf("unsupported protocol version %d", h.version)
		}
		s.version = h.version
		s.versionSet = true
		return nil
	}
	if h.version != s.version {
		return fmt.Errorf("protocol version changed mid-session: was %d, got %d", s.version, h.version)
	}
	return nil
}

func (s *session) dispatch(h header, body []byte) error {
	switch h.pduType {
	case PDUResetQuery:
		if len(body) != 0 {
			return fmt.Errorf("reset query: unexpected body of %d bytes", len(body))
		}
		s.sendFullCache()
		return nil
	case PDUSerialQuery:
		q, err := decodeSerialQuery(h, body)
		if err != nil {
			return err
		}
		if s.version == VersionV1 && q.sessionID != s.sessionID {
			return fmt.Errorf("serial query session_id %d does not match session %d", q.sessionID, s.sessionID)
		}
		s.sendSerialQueryResponse(q.serial)
		return nil
	default:
		return fmt.Errorf("unexpected PDU type %d from client", h.pduType)
	}
}

func (s *session) sendFullCache() {
	snap := s.db.CurrentSnapshot()
	s.enqueue(EncodeCacheResponse(s.version, s.sessionID))
	for _, v := range snap.VRPs {
		s.enqueue(EncodePrefix(s.version, true, v.Prefix, uint8(v.MaxLength), v.ASN))
	}
	if s.version == VersionV1 {
		for _, k := range snap.RouterKeys {
			pdu, err := EncodeRouterKey(true, k.SKI, k.ASN, k.SPKI)
			if err != nil {
				s.logger.Warningf("rtr: session %d: skipping malformed router key: %s", s.sessionID, err)
				continue
			}
			s.enqueue(pdu)
		}
	}
	s.enqueue(EncodeEndOfData(s.version, s.sessionID, snap.Serial, s.timers.RefreshInterval, s.timers.RetryInterval, s.timers.ExpireInterval))
}

func (s *session) sendSerialQueryResponse(clientSerial uint32) {
	deltas, newSerial, ok := s.db.GetDeltasFrom(clientSerial)
	if !ok {
		s.enqueue(EncodeCacheReset(s.version))
		return
	}
	s.enqueue(EncodeCacheResponse(s.version, s.sessionID))
	for _, d := range deltas {
		for _, v := range d.WithdrawnVRPs {
			s.enqueue(EncodePrefix(s.version, false, v.Prefix, uint8(v.MaxLength), v.ASN))
		}
		for _, v := range d.AddedVRPs {
			s.enqueue(EncodePrefix(s.version, true, v.Prefix, uint8(v.MaxLength), v.ASN))
		}
		if s.version == VersionV1 {
			for _, k := range d.WithdrawnKeys {
				if pdu, err := EncodeRouterKey(false, k.SKI, k.ASN, k.SPKI); err == nil {
					s.enqueue(pdu)
				}
			}
			for _, k := range d.AddedKeys {
				if pdu, err := EncodeRouterKey(true, k.SKI, k.ASN, k.SPKI); err == nil {
					s.enqueue(pdu)
				}
			}
		}
	}
	s.enqueue(EncodeEndOfData(s.version, s.sessionID, newSerial, s.timers.RefreshInterval, s.timers.RetryInterval, s.timers.ExpireInterval))
}

// errPDULength distinguishes a malformed/oversized declared PDU length
// from a plain connection-level read failure (EOF, idle timeout), so
// runReader can send an Error Report for the former instead of silently
// closing the connection (§4.H).
type errPDULength struct {
	declared uint32
}

func (e *errPDULength) Error() string {
	return fmt.Sprintf("PDU declared length %d out of bounds", e.declared)
}

// readPDU reads one length-prefixed PDU from r: the 8-byte header, then
// its declared remaining body.
func readPDU(r io.Reader) (header, []byte, error) {
	hb := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hb); err != nil {
		return header{}, nil, err
	}
	h := decodeHeader(hb)
	if h.length < headerLen || h.length > MaxPDULength {
		return header{}, nil, &errPDULength{declared: h.length}
	}
	body := make([]byte, h.length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return header{}, nil, err
	}
	return h, body, nil
}
