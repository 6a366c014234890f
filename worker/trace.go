package worker

import (
	"net"

	"asimapd/trace"
)

// tracingConn appends every frame read from or written to the wrapped
// connection to a trace.Writer, tagged with the direction the teacher's own
// debugWriter uses: "C" for client bytes, "S" for server bytes. Read/Write
// logging happens here rather than plugging into imapserver.Server.Debug
// because that hook produces a human-readable "C: "/"S: " transcript, not
// the raw per-direction frames the JSON trace record needs.
type tracingConn struct {
	net.Conn
	w         *trace.Writer
	sessionID string
}

func (c *tracingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.w.Write(c.sessionID, "C", p[:n])
	}
	return n, err
}

func (c *tracingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.w.Write(c.sessionID, "S", p[:n])
	}
	return n, err
}
