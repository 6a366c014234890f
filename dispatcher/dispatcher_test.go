package dispatcher

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"

	"asimapd/passwd"
	"asimapd/throttle"
	"asimapd/util/tlstest"
)

func TestUserIDForStable(t *testing.T) {
	a := userIDFor("alice")
	b := userIDFor("alice")
	c := userIDFor("bob")
	if a != b {
		t.Errorf("userIDFor should be stable across calls")
	}
	if a == c {
		t.Errorf("userIDFor should differ for different usernames")
	}
	if a < 0 || c < 0 {
		t.Errorf("userIDFor should never return a negative value")
	}
}

func TestUnderlyingTCPConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer c.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	accepted, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer accepted.Close()

	tcp, ok := underlyingTCPConn(accepted)
	if !ok {
		t.Fatalf("underlyingTCPConn should unwrap a plain *net.TCPConn")
	}
	if tcp == nil {
		t.Fatalf("underlyingTCPConn returned a nil conn")
	}
}

func newTestPasswordFile(t *testing.T, hash string) *passwd.File {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")
	content := "alice:" + hash + ":" + filepath.Join(dir, "alice-mail") + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return passwd.NewFile(path)
}

// TestPreauthCapabilityAndLogout exercises the dispatcher's own minimal
// pre-auth command loop over a real TCP connection, independent of
// LOGIN/worker spawning.
func TestPreauthCapabilityAndLogout(t *testing.T) {
	d := &Dispatcher{
		TLSConfig: tlstest.ServerConfig,
		Passwd:    newTestPasswordFile(t, "pbkdf2_sha256$1$salt$digest"),
		Throttle:  throttle.New(),
		Filer:     iox.NewFiler(0),
		RunDir:    t.TempDir(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn, false)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	greeting, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if greeting[0] != '*' {
		t.Fatalf("greeting = %q, want a leading untagged *", greeting)
	}

	conn.Write([]byte("a1 CAPABILITY\r\n"))
	line1, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line1[0] != '*' {
		t.Errorf("CAPABILITY response = %q, want untagged *", line1)
	}
	line2, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if got := line2; got[:2] != "a1" {
		t.Errorf("CAPABILITY completion = %q, want tag a1", got)
	}

	conn.Write([]byte("a2 LOGOUT\r\n"))
	bye, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if bye[:4] != "* BY" {
		t.Errorf("LOGOUT first line = %q, want untagged BYE", bye)
	}
}
