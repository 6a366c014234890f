// Package worker implements the per-user process that owns one account's
// mail store: it receives already-authenticated connections handed off by
// the dispatcher, drives them through imapserver, and runs the background
// folder scanner. A worker holds no state shared with any other user's
// worker or with the dispatcher beyond the control socket itself.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"crawshaw.io/iox"

	"asimapd/dispatcher"
	"asimapd/imap/imapserver"
	"asimapd/mailstore"
	"asimapd/trace"
	"asimapd/userdb"
)

// nopWriteCloser adapts an io.Writer that must not be closed (os.Stderr) to
// the io.WriteCloser the Debug hook requires.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// IdleTimeout is how long a worker waits with zero active connections
// before exiting; the dispatcher respawns it on the next LOGIN.
const IdleTimeout = 30 * time.Minute

// ScanInterval is how often the background folder scanner looks for
// maildir directories not yet registered in userdb, separate from the
// on-demand per-mailbox resync every command already triggers.
const ScanInterval = 5 * time.Minute

type Worker struct {
	Username    string
	UserID      int64
	CtlPath     string
	MaildirRoot string
	DBPath      string
	Lock        bool // ENABLE_MH_FILE_LOCKING
	Debug       bool
	TraceDir    string
	Logf        func(format string, v ...interface{})

	Server *imapserver.Server
	Store  *mailstore.Store

	mu       sync.Mutex
	active   int
	idleFrom time.Time
}

// Run opens the user's database, starts the folder scanner, and serves the
// control socket until idle for IdleTimeout or an unrecoverable error
// occurs.
func (w *Worker) Run() error {
	db, err := userdb.Open(w.DBPath)
	if err != nil {
		return fmt.Errorf("worker: open userdb: %v", err)
	}
	defer db.Close()

	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	w.Store = &mailstore.Store{
		UserID:   w.UserID,
		Username: w.Username,
		Root:     w.MaildirRoot,
		DB:       db,
		Filer:    filer,
		Lock:     w.Lock,
		Logf:     w.Logf,
	}

	w.Server = &imapserver.Server{
		Filer:     filer,
		DataStore: w.Store,
		Logf:      w.Logf,
		Version:   "asimapd",
	}
	if w.Debug {
		w.Server.Debug = func(sessionID string) io.WriteCloser {
			return nopWriteCloser{os.Stderr}
		}
	}
	w.Store.RegisterNotifier(w.Server.Notifier())

	var tw *trace.Writer
	if w.TraceDir != "" {
		tw, err = trace.NewWriter(w.TraceDir, w.Username)
		if err != nil {
			return fmt.Errorf("worker: open trace: %v", err)
		}
		defer tw.Close()
	}

	os.Remove(w.CtlPath)
	ln, err := net.Listen("unix", w.CtlPath)
	if err != nil {
		return fmt.Errorf("worker: listen control socket: %v", err)
	}
	defer ln.Close()
	defer os.Remove(w.CtlPath)

	stopScan := make(chan struct{})
	var scanWG sync.WaitGroup
	scanWG.Add(1)
	go func() {
		defer scanWG.Done()
		w.scanLoop(stopScan)
	}()
	defer func() {
		close(stopScan)
		scanWG.Wait()
	}()

	idleDeadline := make(chan struct{})
	go w.watchIdle(idleDeadline)

	uln := ln.(*net.UnixListener)
	go func() {
		<-idleDeadline
		uln.Close()
	}()

	w.logf("worker: %s serving on %s", w.Username, w.CtlPath)
	for {
		conn, err := uln.Accept()
		if err != nil {
			return nil // closed deliberately, either by idle timeout or Shutdown
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		netConn, sessionID, userID, err := dispatcher.RecvConn(uc)
		uc.Close()
		if err != nil {
			w.logf("worker: receive handoff: %v", err)
			continue
		}
		w.noteConnStart()
		go func() {
			defer w.noteConnEnd()
			w.serve(netConn, sessionID, userID, tw)
		}()
	}
}

func (w *Worker) serve(conn net.Conn, sessionID string, userID int64, tw *trace.Writer) {
	if tw != nil {
		conn = &tracingConn{Conn: conn, w: tw, sessionID: sessionID}
	}
	w.Server.ServeHandoff(conn, sessionID, userID, w.Store.NewSession())
}

func (w *Worker) noteConnStart() {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
}

func (w *Worker) noteConnEnd() {
	w.mu.Lock()
	w.active--
	if w.active == 0 {
		w.idleFrom = time.Now()
	}
	w.mu.Unlock()
}

// watchIdle closes done once the worker has had zero connections for
// IdleTimeout, triggering a clean exit (spec.md 4.6's "self-terminate
// after 30 minutes with zero connections").
func (w *Worker) watchIdle(done chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	w.mu.Lock()
	w.idleFrom = time.Now()
	w.mu.Unlock()
	for range ticker.C {
		w.mu.Lock()
		active := w.active
		idleFor := time.Since(w.idleFrom)
		w.mu.Unlock()
		if active == 0 && idleFor >= IdleTimeout {
			close(done)
			return
		}
	}
}

func (w *Worker) logf(format string, v ...interface{}) {
	if w.Logf != nil {
		w.Logf(format, v...)
	}
}
