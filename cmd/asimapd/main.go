// Command asimapd is both halves of the multi-process IMAP server: run
// without -worker it is the privileged dispatcher; the dispatcher re-execs
// this same binary with -worker set to become a per-user worker process.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"path/filepath"

	"crawshaw.io/iox"

	"asimapd/dispatcher"
	"asimapd/passwd"
	"asimapd/throttle"
	"asimapd/worker"
)

// exit codes per the CLI contract: 0 normal, 2 bad CLI, 3 cert load
// failure, 4 bind failure.
const (
	exitOK        = 0
	exitBadCLI    = 2
	exitCertError = 3
	exitBindError = 4
)

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBoolOr(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func main() {
	log.SetFlags(0)

	// Worker-mode flags: only set by the dispatcher's own re-exec, never by
	// a user invoking the binary directly.
	workerMode := flag.Bool("worker", false, "internal: run as a per-user worker")
	workerUser := flag.String("worker-user", "", "internal: worker's username")
	workerUID := flag.Int64("worker-uid", 0, "internal: worker's opaque user id")
	workerMaildir := flag.String("maildir", "", "internal: worker's maildir root")
	workerCtl := flag.String("ctl", "", "internal: worker's control socket path")

	address := flag.String("address", envOr("ADDRESS", ""), "listen address (env ADDRESS)")
	port := flag.String("port", envOr("PORT", "993"), "listen port (env PORT)")
	plainPort := flag.String("starttls-port", envOr("STARTTLS_PORT", ""), "optional plaintext+STARTTLS port")
	cert := flag.String("cert", envOr("SSL_CERT", ""), "TLS certificate PEM file (env SSL_CERT)")
	key := flag.String("key", envOr("SSL_KEY", ""), "TLS key PEM file (env SSL_KEY)")
	debug := flag.Bool("debug", envBoolOr("DEBUG", false), "verbose session logging (env DEBUG)")
	logConfig := flag.String("log-config", envOr("LOG_CONFIG", ""), "log destination (env LOG_CONFIG)")
	pwfile := flag.String("pwfile", envOr("PWFILE", ""), "password file path (env PWFILE)")
	traceFlag := flag.Bool("trace", false, "enable the JSON frame trace facility")
	traceDir := flag.String("trace-dir", envOr("TRACE_DIR", ""), "trace log directory (env TRACE_DIR)")
	lock := flag.Bool("enable-mh-file-locking", envBoolOr("ENABLE_MH_FILE_LOCKING", false),
		"advisory-lock .mh_sequences around every read/write (env ENABLE_MH_FILE_LOCKING)")
	rundir := flag.String("rundir", "", "directory for worker control sockets")

	flag.Parse()

	logf := log.Printf
	if *logConfig != "" && *logConfig != "stderr" {
		f, err := os.OpenFile(*logConfig, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
		if err != nil {
			log.Printf("asimapd: open log file: %v", err)
			os.Exit(exitBadCLI)
		}
		log.SetOutput(f)
	}

	effectiveTraceDir := ""
	if *traceFlag || *traceDir != "" {
		effectiveTraceDir = *traceDir
		if effectiveTraceDir == "" {
			effectiveTraceDir = "."
		}
	}

	if *workerMode {
		runWorker(*workerUser, *workerUID, *workerMaildir, *workerCtl, *lock, *debug, effectiveTraceDir, logf)
		return
	}

	runDispatcher(dispatcherConfig{
		address:   *address,
		port:      *port,
		plainPort: *plainPort,
		cert:      *cert,
		key:       *key,
		pwfile:    *pwfile,
		rundir:    *rundir,
		lock:      *lock,
		traceDir:  effectiveTraceDir,
		debug:     *debug,
	}, logf)
}

func runWorker(username string, userID int64, maildirRoot, ctlPath string, lock, debug bool, traceDir string, logf func(string, ...interface{})) {
	if username == "" || maildirRoot == "" || ctlPath == "" {
		log.Printf("asimapd: -worker requires -worker-user, -maildir and -ctl")
		os.Exit(exitBadCLI)
	}
	dbDir := filepath.Join(maildirRoot, ".asimap")
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		log.Printf("asimapd: create %s: %v", dbDir, err)
		os.Exit(exitBadCLI)
	}
	w := &worker.Worker{
		Username:    username,
		UserID:      userID,
		CtlPath:     ctlPath,
		MaildirRoot: maildirRoot,
		DBPath:      filepath.Join(dbDir, "store.sqlite3"),
		Lock:        lock,
		Debug:       debug,
		TraceDir:    traceDir,
		Logf:        logf,
	}
	if err := w.Run(); err != nil {
		log.Printf("asimapd: worker %s: %v", username, err)
		os.Exit(1)
	}
}

type dispatcherConfig struct {
	address, port, plainPort string
	cert, key                string
	pwfile                   string
	rundir                   string
	lock                     bool
	traceDir                 string
	debug                    bool
}

func runDispatcher(cfg dispatcherConfig, logf func(string, ...interface{})) {
	if cfg.pwfile == "" {
		log.Printf("asimapd: -pwfile (or PWFILE) is required")
		os.Exit(exitBadCLI)
	}
	if cfg.cert == "" || cfg.key == "" {
		log.Printf("asimapd: -cert/-key (or SSL_CERT/SSL_KEY) are required")
		os.Exit(exitBadCLI)
	}

	tlsCert, err := tls.LoadX509KeyPair(cfg.cert, cfg.key)
	if err != nil {
		log.Printf("asimapd: load TLS certificate: %v", err)
		os.Exit(exitCertError)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{tlsCert}}

	exe, err := os.Executable()
	if err != nil {
		log.Printf("asimapd: determine own executable path: %v", err)
		os.Exit(exitBadCLI)
	}

	rundir := cfg.rundir
	if rundir == "" {
		rundir = filepath.Join(os.TempDir(), "asimapd-run")
	}

	d := &dispatcher.Dispatcher{
		TLSConfig:    tlsConfig,
		Passwd:       passwd.NewFile(cfg.pwfile),
		Throttle:     throttle.New(),
		Filer:        iox.NewFiler(0),
		RunDir:       rundir,
		WorkerBinary: exe,
		Logf:         logf,
		Lock:         cfg.lock,
		TraceDir:     cfg.traceDir,
		Debug:        cfg.debug,
	}

	tlsAddr := net.JoinHostPort(cfg.address, cfg.port)
	ln, err := net.Listen("tcp", tlsAddr)
	if err != nil {
		log.Printf("asimapd: listen %s: %v", tlsAddr, err)
		os.Exit(exitBindError)
	}
	logf("asimapd: dispatcher listening on %s (IMAPS)", tlsAddr)

	errCh := make(chan error, 2)
	go func() { errCh <- d.ServeTLS(ln) }()

	if cfg.plainPort != "" {
		plainAddr := net.JoinHostPort(cfg.address, cfg.plainPort)
		pln, err := net.Listen("tcp", plainAddr)
		if err != nil {
			log.Printf("asimapd: listen %s: %v", plainAddr, err)
			os.Exit(exitBindError)
		}
		logf("asimapd: dispatcher listening on %s (STARTTLS)", plainAddr)
		go func() { errCh <- d.ServeSTARTTLS(pln) }()
	}

	if err := <-errCh; err != nil {
		logf("asimapd: %v", err)
		os.Exit(1)
	}
	os.Exit(exitOK)
}
