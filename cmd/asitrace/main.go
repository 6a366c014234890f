// Command asitrace replays a recorded JSON frame trace against a live IMAP
// server and reports the first frame where the live exchange diverges from
// what was recorded.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"asimapd/trace"
)

func main() {
	log.SetFlags(0)

	addr := flag.String("addr", "", "address of the server to replay against, host:port")
	useTLS := flag.Bool("tls", false, "dial with TLS (IMAPS) instead of a plain TCP connection")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	timeout := flag.Duration("dial-timeout", 10*time.Second, "connection timeout")
	flag.Parse()

	if *addr == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: asitrace -addr host:port [-tls] [-insecure] <trace-file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	dial := func() (net.Conn, error) {
		if *useTLS {
			d := &tls.Dialer{
				NetDialer: &net.Dialer{Timeout: *timeout},
				Config:    &tls.Config{InsecureSkipVerify: *insecure},
			}
			return d.Dial("tcp", *addr)
		}
		return net.DialTimeout("tcp", *addr, *timeout)
	}

	if err := trace.Replay(path, dial); err != nil {
		log.Printf("asitrace: %v", err)
		os.Exit(1)
	}
	fmt.Println("asitrace: replay matched recorded trace")
}
