package dispatcher

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := handoffHeader{SessionID: "abc123", UserID: 9999}
	got, err := decodeHeader(encodeHeader(h))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("decodeHeader(encodeHeader(h)) = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	if _, err := decodeHeader([]byte("not a header")); err == nil {
		t.Errorf("expected an error decoding a malformed header")
	}
}

// TestSendRecvConn exercises a real SCM_RIGHTS handoff end to end: a TCP
// connection's file descriptor is passed over a unix control socket and
// recovered on the other side, byte-for-byte indistinguishable from the
// original.
func TestSendRecvConn(t *testing.T) {
	// The connection being handed off.
	tln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer tln.Close()

	clientDone := make(chan error, 1)
	go func() {
		c, err := net.Dial("tcp", tln.Addr().String())
		if err != nil {
			clientDone <- err
			return
		}
		defer c.Close()
		if _, err := c.Write([]byte("hello from client")); err != nil {
			clientDone <- err
			return
		}
		buf := make([]byte, len("ack"))
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Read(buf); err != nil {
			clientDone <- err
			return
		}
		clientDone <- nil
	}()

	accepted, err := tln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	tcpConn := accepted.(*net.TCPConn)

	// The worker's control socket.
	ctlPath := filepath.Join(t.TempDir(), "worker.ctl")
	uln, err := net.Listen("unix", ctlPath)
	if err != nil {
		t.Fatal(err)
	}
	defer uln.Close()

	recvDone := make(chan struct {
		conn      net.Conn
		sessionID string
		userID    int64
		err       error
	}, 1)
	go func() {
		c, err := uln.Accept()
		if err != nil {
			recvDone <- struct {
				conn      net.Conn
				sessionID string
				userID    int64
				err       error
			}{err: err}
			return
		}
		uc := c.(*net.UnixConn)
		conn, sessionID, userID, err := RecvConn(uc)
		uc.Close()
		recvDone <- struct {
			conn      net.Conn
			sessionID string
			userID    int64
			err       error
		}{conn, sessionID, userID, err}
	}()

	want := handoffHeader{SessionID: "sess-xyz", UserID: 42}
	if err := sendConn(ctlPath, tcpConn, want); err != nil {
		t.Fatalf("sendConn: %v", err)
	}
	tcpConn.Close() // dispatcher's own copy; the duplicated fd lives on

	result := <-recvDone
	if result.err != nil {
		t.Fatalf("RecvConn: %v", result.err)
	}
	defer result.conn.Close()
	if result.sessionID != want.SessionID || result.userID != want.UserID {
		t.Errorf("got session=%q user=%d, want session=%q user=%d",
			result.sessionID, result.userID, want.SessionID, want.UserID)
	}

	buf := make([]byte, len("hello from client"))
	result.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := result.conn.Read(buf); err != nil {
		t.Fatalf("read handed-off data: %v", err)
	}
	if string(buf) != "hello from client" {
		t.Errorf("got %q, want %q", buf, "hello from client")
	}
	if _, err := result.conn.Write([]byte("ack")); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("client side: %v", err)
	}
}
