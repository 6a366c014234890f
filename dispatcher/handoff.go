package dispatcher

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// handoff is the tiny framed header sent alongside the passed file
// descriptor: a 4-byte big-endian length, then that many bytes of
// "<sessionID> <userID>". The socket fd itself rides in the accompanying
// SCM_RIGHTS ancillary data, not the byte stream.
type handoffHeader struct {
	SessionID string
	UserID    int64
}

func encodeHeader(h handoffHeader) []byte {
	body := fmt.Sprintf("%s %d", h.SessionID, h.UserID)
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}

func decodeHeader(buf []byte) (handoffHeader, error) {
	var sessionID string
	var userID int64
	n, err := fmt.Sscanf(string(buf), "%s %d", &sessionID, &userID)
	if err != nil || n != 2 {
		return handoffHeader{}, fmt.Errorf("dispatcher: malformed handoff header %q", buf)
	}
	return handoffHeader{SessionID: sessionID, UserID: userID}, nil
}

// sendConn passes conn's underlying file descriptor to the worker listening
// on ctlPath, along with the session/user identifying header. conn is
// closed in the dispatcher after a successful send: ownership of the socket
// now belongs to the worker process.
func sendConn(ctlPath string, conn *net.TCPConn, h handoffHeader) error {
	f, err := conn.File()
	if err != nil {
		return fmt.Errorf("dispatcher: duplicate fd for handoff: %v", err)
	}
	defer f.Close()

	ctl, err := net.DialTimeout("unix", ctlPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dispatcher: dial worker control socket: %v", err)
	}
	defer ctl.Close()

	uc, ok := ctl.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("dispatcher: control conn is not unix")
	}
	rights := unix.UnixRights(int(f.Fd()))
	body := encodeHeader(h)
	uc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _, err = uc.WriteMsgUnix(body, rights, nil)
	if err != nil {
		return fmt.Errorf("dispatcher: send handoff fd: %v", err)
	}

	// The worker acks with a single byte once it has accepted the fd and
	// queued it for serving, so the dispatcher knows it's safe to close its
	// own copy without racing the worker's dup.
	ack := make([]byte, 1)
	uc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := uc.Read(ack); err != nil {
		return fmt.Errorf("dispatcher: handoff ack: %v", err)
	}
	return nil
}

// RecvConn is the worker side of sendConn: it reads one handed-off
// connection plus its header from a connection accepted on the worker's
// control socket listener, acking once the descriptor has been recovered.
func RecvConn(ctl *net.UnixConn) (net.Conn, string, int64, error) {
	body := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := ctl.ReadMsgUnix(body, oob)
	if err != nil {
		return nil, "", 0, fmt.Errorf("dispatcher: read handoff message: %v", err)
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, "", 0, fmt.Errorf("dispatcher: parse control message: %v", err)
	}
	if len(scms) == 0 {
		return nil, "", 0, fmt.Errorf("dispatcher: handoff message carried no ancillary data")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return nil, "", 0, fmt.Errorf("dispatcher: parse passed rights: %v", err)
	}

	h, err := decodeHeader(body[:n])
	if err != nil {
		unix.Close(fds[0])
		return nil, "", 0, err
	}

	f := os.NewFile(uintptr(fds[0]), "handoff")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, "", 0, fmt.Errorf("dispatcher: FileConn on passed fd: %v", err)
	}

	ctl.Write([]byte{1})
	return conn, h.SessionID, h.UserID, nil
}
