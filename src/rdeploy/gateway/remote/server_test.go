package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	_testUser     = "pi"
	_testPassword = "raspberry"
)

// testServer is a minimal sshd that runs exec requests with the local sh, serves sftp and
// forwards direct-tcpip channels.
type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func newTestServer(t *testing.T) *testServer {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh available")
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == _testUser && string(pass) == _testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, listener: ln, config: cfg, hostKey: hostKey}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) close() {
	s.listener.Close()
	s.dropConnections()
	s.wg.Wait()
}

// dropConnections severs every client connection, as a network failure would.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sconn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, chReqs, err := nc.Accept()
			if err != nil {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				handleSession(ch, chReqs)
			}()
		case "direct-tcpip":
			s.handleDirect(nc)
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *testServer) handleDirect(nc ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		io.Copy(ch, target)
		ch.CloseWrite()
	}()
	go func() {
		defer s.wg.Done()
		io.Copy(target, ch)
		target.Close()
		ch.Close()
	}()
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var cmd *exec.Cmd
	exited := make(chan struct{})
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				if cmd != nil && cmd.Process != nil {
					cmd.Process.Kill()
					<-exited
				}
				return
			}
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				cmd = exec.Command("sh", "-c", payload.Command)
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				if err := cmd.Start(); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)
				go func(cmd *exec.Cmd) {
					cmd.Wait()
					close(exited)
				}(cmd)
			case "subsystem":
				var payload struct{ Name string }
				ssh.Unmarshal(req.Payload, &payload)
				if payload.Name != "sftp" {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				go func() {
					server.Serve()
					server.Close()
				}()
			case "signal":
				var payload struct{ Signal string }
				ssh.Unmarshal(req.Payload, &payload)
				if cmd != nil && cmd.Process != nil && payload.Signal == string(ssh.SIGTERM) {
					cmd.Process.Signal(syscall.SIGTERM)
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		case <-exited:
			sendExit(ch, cmd.ProcessState)
			return
		}
	}
}

func sendExit(ch ssh.Channel, state interface{ Sys() any }) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		name := "TERM"
		if ws.Signal() == syscall.SIGKILL {
			name = "KILL"
		}
		ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: name}))
		return
	}
	status := make([]byte, 4)
	if ok {
		binary.BigEndian.PutUint32(status, uint32(ws.ExitStatus()))
	}
	ch.SendRequest("exit-status", false, status)
}
