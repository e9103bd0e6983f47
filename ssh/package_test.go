package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) (string, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.Nil(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.Nil(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))
	return keyPath, pub
}

func TestFormatPublicKey(t *testing.T) {
	_, pub := writeTestKey(t)

	out, err := FormatPublicKey(pub)
	require.Nil(t, err)
	assert.True(t, strings.HasPrefix(string(out), "ssh-ed25519 "))

	_, err = FormatPublicKey("not a key")
	assert.NotNil(t, err)
}

func TestNewDialer(t *testing.T) {
	keyPath, _ := writeTestKey(t)

	d, err := NewDialer(keyPath, "")
	require.Nil(t, err)
	assert.Len(t, d.authMethods, 1)

	_, err = NewDialer(filepath.Join(t.TempDir(), "missing"), "")
	assert.NotNil(t, err)
}

// startTestServer runs an SSH server that answers every exec request with
// the exit status named by the last word of the command.
func startTestServer(t *testing.T, password string) string {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.Nil(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveTestConn(nConn, config)
		}
	}()

	return listener.Addr().String()
}

func serveTestConn(nConn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)

				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				words := strings.Fields(payload.Command)

				channel.Write([]byte("ran " + payload.Command))

				status := make([]byte, 4)
				if len(words) > 0 && words[len(words)-1] == "fail" {
					binary.BigEndian.PutUint32(status, 3)
				}
				channel.SendRequest("exit-status", false, status)
				return
			}
		}()
	}
}

func TestSSHDialer_RunCommand(t *testing.T) {
	address := startTestServer(t, "hunter2")

	conn, err := NewDialerWithPassword("hunter2").WithTimeout(2*time.Second).Dial(address, "root")
	require.Nil(t, err)
	defer conn.Close()

	out := &bytes.Buffer{}
	code, err := conn.RunCommand("echo ok", out)
	require.Nil(t, err)
	assert.Equal(t, uint8(0), code)
	assert.Equal(t, "ran echo ok", out.String())

	code, err = conn.RunCommand("test fail", &bytes.Buffer{})
	require.Nil(t, err)
	assert.Equal(t, uint8(3), code)
}

func TestSSHDialer_WrongPassword(t *testing.T) {
	address := startTestServer(t, "hunter2")

	_, err := NewDialerWithPassword("nope").WithTimeout(2*time.Second).Dial(address, "root")
	assert.NotNil(t, err)
}
