// Package dispatcher implements the privileged listener described in
// spec.md's "Main dispatcher": it accepts TLS connections, performs
// LOGIN/AUTHENTICATE PLAIN itself, throttles repeated bad credentials, and
// hands the authenticated plaintext connection off to a per-user worker
// process (spawning one if none is running), never touching mailbox state
// itself.
package dispatcher

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"fmt"
	"io"
	"net"
	"sync"

	"crawshaw.io/iox"

	"asimapd/imap/imapparser"
	"asimapd/passwd"
	"asimapd/throttle"
)

// Dispatcher is the privileged process side of the multi-process
// architecture. One Dispatcher serves any number of TLS listeners.
type Dispatcher struct {
	TLSConfig    *tls.Config
	Passwd       *passwd.File
	Throttle     *throttle.Throttle
	Filer        *iox.Filer
	RunDir       string // directory holding per-user worker control sockets
	WorkerBinary string // path to re-exec for a new worker, usually os.Executable()
	Logf         func(format string, v ...interface{})

	// Lock and TraceDir are forwarded to every spawned worker as
	// -enable-mh-file-locking / -trace-dir so the whole fleet of workers
	// shares one dispatcher-wide configuration.
	Lock     bool
	TraceDir string
	Debug    bool

	workers *workersOnce
}

type workersOnce struct {
	once sync.Once
	w    *workers
}

func (d *Dispatcher) workerPool() *workers {
	if d.workers == nil {
		d.workers = &workersOnce{}
	}
	d.workers.once.Do(func() { d.workers.w = newWorkers() })
	return d.workers.w
}

func (d *Dispatcher) logf(format string, v ...interface{}) {
	if d.Logf != nil {
		d.Logf(format, v...)
	}
}

// ServeTLS accepts direct-TLS connections (IMAPS, port 993) on ln until it
// is closed.
func (d *Dispatcher) ServeTLS(ln net.Listener) error {
	tln := tls.NewListener(ln, d.TLSConfig)
	for {
		conn, err := tln.Accept()
		if err != nil {
			return err
		}
		go d.handle(conn, true)
	}
}

// ServeSTARTTLS accepts plaintext connections (port 143) that must issue
// STARTTLS before LOGIN is permitted.
func (d *Dispatcher) ServeSTARTTLS(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handle(conn, false)
	}
}

func (d *Dispatcher) handle(conn net.Conn, alreadyTLS bool) {
	sessionID := newSessionID()
	c := &preauthConn{d: d, conn: conn, sessionID: sessionID, tls: alreadyTLS}
	if err := c.run(); err != nil {
		d.logf("dispatcher: session %s: %v", sessionID, err)
	}
}

func newSessionID() string {
	var b [9]byte
	rand.Read(b[:])
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
}

// preauthConn drives the small slice of IMAP the dispatcher itself
// understands: the greeting, CAPABILITY, STARTTLS, LOGOUT, NOOP, and
// LOGIN/AUTHENTICATE. Everything else is rejected with BAD, since a
// legitimate client never sends a mailbox command before authenticating.
type preauthConn struct {
	d         *Dispatcher
	conn      net.Conn
	sessionID string
	tls       bool
}

const preauthCapability = "IMAP4rev1 LITERAL+ AUTH=PLAIN"
const preauthCapabilitySTARTTLS = "IMAP4rev1 LITERAL+ STARTTLS AUTH=PLAIN"

func (c *preauthConn) run() error {
	defer c.conn.Close()

	fmt.Fprintf(c.conn, "* OK IMAP4 asimapd ready\r\n")

	litf := c.d.Filer.BufferFile(0)
	defer litf.Close()

	br := bufio.NewReader(c.conn)
	bw := bufio.NewWriter(c.conn)
	contFn := func(msg string, n uint32) {
		bw.WriteString(msg)
		bw.Flush()
	}
	p := &imapparser.Parser{Scanner: imapparser.NewScanner(br, litf, contFn)}

	for {
		br.Peek(1)
		if err := p.ParseCommand(); err != nil {
			if err == io.EOF {
				return nil
			}
			if te, ok := err.(imapparser.TaggedError); ok {
				fmt.Fprintf(bw, "%s BAD %v\r\n", te.Tag, te.Err)
				bw.Flush()
				continue
			}
			fmt.Fprintf(bw, "* BAD %v\r\n", err)
			bw.Flush()
			continue
		}

		cmd := &p.Command
		switch cmd.Name {
		case "CAPABILITY":
			if c.tls {
				fmt.Fprintf(bw, "* CAPABILITY %s\r\n", preauthCapability)
			} else {
				fmt.Fprintf(bw, "* CAPABILITY %s\r\n", preauthCapabilitySTARTTLS)
			}
			fmt.Fprintf(bw, "%s OK Completed\r\n", cmd.Tag)
			bw.Flush()

		case "NOOP":
			fmt.Fprintf(bw, "%s OK nothing offered, nothing given\r\n", cmd.Tag)
			bw.Flush()

		case "LOGOUT":
			fmt.Fprintf(bw, "* BYE\r\n%s OK Completed\r\n", cmd.Tag)
			bw.Flush()
			return nil

		case "STARTTLS":
			if c.tls {
				fmt.Fprintf(bw, "%s BAD already using TLS\r\n", cmd.Tag)
				bw.Flush()
				continue
			}
			fmt.Fprintf(bw, "%s OK begin TLS negotiation\r\n", cmd.Tag)
			bw.Flush()
			tconn := tls.Server(c.conn, c.d.TLSConfig)
			if err := tconn.Handshake(); err != nil {
				return fmt.Errorf("STARTTLS handshake: %v", err)
			}
			c.conn = tconn
			c.tls = true
			br = bufio.NewReader(c.conn)
			bw = bufio.NewWriter(c.conn)
			p.Scanner.SetSource(br)

		case "LOGIN", "AUTHENTICATE":
			if !c.tls {
				fmt.Fprintf(bw, "%s BAD STARTTLS required before LOGIN\r\n", cmd.Tag)
				bw.Flush()
				continue
			}
			ok, err := c.login(bw, string(cmd.Auth.Username), string(cmd.Auth.Password))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			// Connection handed off; the worker owns the socket now.
			return nil

		default:
			fmt.Fprintf(bw, "%s BAD not authenticated\r\n", cmd.Tag)
			bw.Flush()
		}
	}
}

// login verifies credentials, applies auth throttling, and on success hands
// the raw TCP connection to the user's worker. It returns ok=false (without
// closing the connection) when the client should be allowed to retry, and
// an error when the connection itself must be torn down.
func (c *preauthConn) login(bw *bufio.Writer, username, password string) (ok bool, err error) {
	key := c.conn.RemoteAddr().String()
	if c.d.Throttle.Blocked(key) {
		fmt.Fprintf(bw, "* NO [AUTHENTICATIONFAILED]\r\n")
		bw.Flush()
		return false, fmt.Errorf("too many failed authentications from %s", key)
	}

	entry, authErr := c.d.Passwd.Authenticate(username, password)
	if authErr != nil {
		closeNow := c.d.Throttle.Fail(key)
		fmt.Fprintf(bw, "* NO [AUTHENTICATIONFAILED]\r\n")
		bw.Flush()
		if closeNow {
			return false, fmt.Errorf("auth throttle closed connection for %s", key)
		}
		return false, nil
	}
	c.d.Throttle.Reset(key)

	tcpConn, isTCP := c.conn.(*net.TCPConn)
	if !isTCP {
		if tc, ok := underlyingTCPConn(c.conn); ok {
			tcpConn = tc
		} else {
			return false, fmt.Errorf("dispatcher: handoff requires a TCP connection")
		}
	}

	var extraArgs []string
	if c.d.Lock {
		extraArgs = append(extraArgs, "-enable-mh-file-locking")
	}
	if c.d.TraceDir != "" {
		extraArgs = append(extraArgs, "-trace-dir", c.d.TraceDir)
	}
	if c.d.Debug {
		extraArgs = append(extraArgs, "-debug")
	}
	ctlPath, err := c.d.workerPool().ensureWorker(c.d.WorkerBinary, c.d.RunDir, username, entry.MaildirRoot, userIDFor(username), extraArgs, c.d.logf)
	if err != nil {
		fmt.Fprintf(bw, "* BYE Server error\r\n")
		bw.Flush()
		return false, err
	}

	if err := sendConn(ctlPath, tcpConn, handoffHeader{SessionID: c.sessionID, UserID: userIDFor(username)}); err != nil {
		fmt.Fprintf(bw, "* BYE Server error\r\n")
		bw.Flush()
		return false, err
	}
	return true, nil
}

// underlyingTCPConn unwraps a *tls.Conn (the common case once STARTTLS or
// direct TLS has happened) down to its *net.TCPConn, which is what actually
// owns a passable file descriptor.
func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	type netConner interface {
		NetConn() net.Conn
	}
	for {
		if nc, ok := conn.(netConner); ok {
			conn = nc.NetConn()
			continue
		}
		tcp, ok := conn.(*net.TCPConn)
		return tcp, ok
	}
}

// userIDFor derives a stable numeric identifier for a username. The
// dispatcher never opens userdb itself (spec.md's shared-resource policy),
// so it cannot hand out userdb's own integer id; a stable hash of the
// username is good enough since imapserver only uses this value to group a
// user's own connections together, never to cross-reference storage.
func userIDFor(username string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(username); i++ {
		h ^= int64(username[i])
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}
