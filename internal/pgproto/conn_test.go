package pgproto

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// scriptedConn replays a fixed sequence of server bytes on Read and
// records everything the client writes, so the startup/auth state
// machine can be driven without a real network connection.
type scriptedConn struct {
	toRead  *bytes.Buffer
	written bytes.Buffer
}

func newScriptedConn(serverBytes ...[]byte) *scriptedConn {
	buf := &bytes.Buffer{}
	for _, b := range serverBytes {
		buf.Write(b)
	}
	return &scriptedConn{toRead: buf}
}

func (s *scriptedConn) Read(p []byte) (int, error)  { return s.toRead.Read(p) }
func (s *scriptedConn) Write(p []byte) (int, error) { return s.written.Write(p) }

func authOkFrame() []byte {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, 'R', []byte{0, 0, 0, 0}, false)
	return buf.Bytes()
}

func readyForQueryFrame() []byte {
	var buf bytes.Buffer
	_ = WriteMessage(&buf, 'Z', []byte{'I'}, false)
	return buf.Bytes()
}

func authRequestFrame(authType uint32, extra []byte) []byte {
	payload := []byte{byte(authType >> 24), byte(authType >> 16), byte(authType >> 8), byte(authType)}
	payload = append(payload, extra...)
	var buf bytes.Buffer
	_ = WriteMessage(&buf, 'R', payload, false)
	return buf.Bytes()
}

func TestOpen_TrivialAuth(t *testing.T) {
	conn := newScriptedConn(authOkFrame(), readyForQueryFrame())

	c, err := Open(context.Background(), conn, "alice", "secret", "mydb", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c == nil {
		t.Fatal("Open returned nil conn")
	}

	sent := conn.written.Bytes()
	if !bytes.Contains(sent, []byte("user\x00alice\x00")) {
		t.Errorf("startup packet missing user param: %q", sent)
	}
	if !bytes.Contains(sent, []byte("database\x00mydb\x00")) {
		t.Errorf("startup packet missing database param: %q", sent)
	}
	if !bytes.Contains(sent, []byte("replication\x00database\x00")) {
		t.Errorf("startup packet missing replication=database flag: %q", sent)
	}
}

func TestOpen_CleartextAuth(t *testing.T) {
	conn := newScriptedConn(
		authRequestFrame(3, nil),
		authOkFrame(),
		readyForQueryFrame(),
	)

	if _, err := Open(context.Background(), conn, "alice", "hunter2", "mydb", zerolog.Nop()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Skip the untyped startup packet that precedes the password message.
	written := conn.written.Bytes()
	startupLen := int(written[0])<<24 | int(written[1])<<16 | int(written[2])<<8 | int(written[3])
	msgType, payload, err := ReadMessage(bytes.NewReader(written[startupLen:]), false)
	if err != nil {
		t.Fatalf("parsing written password message: %v", err)
	}
	if msgType != 'p' {
		t.Fatalf("first written message type = %c, want 'p'", msgType)
	}
	if string(payload) != "hunter2\x00" {
		t.Errorf("cleartext password payload = %q, want %q", payload, "hunter2\x00")
	}
}

func TestOpen_MD5Auth(t *testing.T) {
	salt := []byte{0x01, 0x02, 0x03, 0x04}
	conn := newScriptedConn(
		authRequestFrame(5, salt),
		authOkFrame(),
		readyForQueryFrame(),
	)

	if _, err := Open(context.Background(), conn, "alice", "secret", "mydb", zerolog.Nop()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Skip the untyped startup packet that precedes the password message.
	written := conn.written.Bytes()
	startupLen := int(written[0])<<24 | int(written[1])<<16 | int(written[2])<<8 | int(written[3])
	msgType, payload, err := ReadMessage(bytes.NewReader(written[startupLen:]), false)
	if err != nil {
		t.Fatalf("parsing written password message: %v", err)
	}
	if msgType != 'p' {
		t.Fatalf("written message type = %c, want 'p'", msgType)
	}

	want := md5Password("secret", "alice", salt) + "\x00"
	if string(payload) != want {
		t.Errorf("md5 password payload = %q, want %q", payload, want)
	}
}

func TestMD5Password_Deterministic(t *testing.T) {
	salt := []byte{0x01, 0x02, 0x03, 0x04}
	got := md5Password("secret", "alice", salt)
	want := "md598a0412b9c31436fc53776e863350083"
	if got != want {
		t.Errorf("md5Password(secret, alice, 0x01020304) = %q, want %q", got, want)
	}
}

func TestOpen_UnsupportedAuthMethodFails(t *testing.T) {
	conn := newScriptedConn(authRequestFrame(10, nil))

	_, err := Open(context.Background(), conn, "alice", "secret", "mydb", zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for SCRAM auth request, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported authentication method: 10") {
		t.Errorf("error = %v, want message about unsupported authentication method 10", err)
	}
}

func TestOpen_DrainsParameterStatusAndBackendKeyData(t *testing.T) {
	var paramStatus bytes.Buffer
	_ = WriteMessage(&paramStatus, 'S', append([]byte("server_version\x0016.0\x00")), false)

	var backendKey bytes.Buffer
	_ = WriteMessage(&backendKey, 'K', []byte{0, 0, 0x12, 0x34, 0, 0, 0x56, 0x78}, false)

	conn := newScriptedConn(authOkFrame(), paramStatus.Bytes(), backendKey.Bytes(), readyForQueryFrame())

	c, err := Open(context.Background(), conn, "alice", "secret", "mydb", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.backendPID != 0x1234 {
		t.Errorf("backendPID = %#x, want %#x", c.backendPID, 0x1234)
	}
	if c.backendSecret != 0x5678 {
		t.Errorf("backendSecret = %#x, want %#x", c.backendSecret, 0x5678)
	}
}

func TestOpen_StartupErrorResponseFails(t *testing.T) {
	var errResp bytes.Buffer
	body := []byte{}
	body = append(body, 'S')
	body = append(body, []byte("FATAL\x00")...)
	body = append(body, 'M')
	body = append(body, []byte("database \"nope\" does not exist\x00")...)
	body = append(body, 0)
	_ = WriteMessage(&errResp, 'E', body, false)

	conn := newScriptedConn(authOkFrame(), errResp.Bytes())

	_, err := Open(context.Background(), conn, "alice", "secret", "nope", zerolog.Nop())
	if err == nil {
		t.Fatal("expected startup failure, got nil")
	}
	if !strings.Contains(err.Error(), "FATAL: database") {
		t.Errorf("error = %v, want to contain rendered severity+message", err)
	}
}
