package subscriptions

import (
	"context"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaSocket adapts *websocket.Conn to the Socket interface. Reads
// stream each websocket message through NextReader in block-sized
// chunks; the peer's close frame is mapped to *CloseError.
type gorillaSocket struct {
	conn         *websocket.Conn
	reader       io.Reader
	writeTimeout time.Duration
}

// NewGorillaSocket wraps an upgraded connection. The caller keeps
// ownership of conn's lifetime; canceling the read loop from outside is
// done by closing conn, which unblocks any pending Read.
func NewGorillaSocket(conn *websocket.Conn) Socket {
	return &gorillaSocket{conn: conn, writeTimeout: 10 * time.Second}
}

func (s *gorillaSocket) Read(ctx context.Context, buf []byte) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if s.reader == nil {
		_, r, err := s.conn.NextReader()
		if err != nil {
			return 0, false, mapCloseError(err)
		}
		s.reader = r
	}
	n, err := s.reader.Read(buf)
	if err == io.EOF {
		s.reader = nil
		return n, true, nil
	}
	if err != nil {
		s.reader = nil
		return n, false, mapCloseError(err)
	}
	return n, false, nil
}

func (s *gorillaSocket) Write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close(code int, reason string) error {
	deadline := time.Now().Add(s.writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		err != websocket.ErrCloseSent {
		s.conn.Close()
		return err
	}
	return nil
}

func (s *gorillaSocket) Terminate() error {
	return s.conn.Close()
}

func mapCloseError(err error) error {
	if ce, ok := err.(*websocket.CloseError); ok {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}
