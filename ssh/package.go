// Package ssh connects to nodes over SSH. A Connection runs status commands
// for the script predicates and uploads init scripts over SFTP.
package ssh

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 10 * time.Second

type Dialer interface {
	Dial(address, username string) (Connection, error)
}

// Connection is an open SSH connection. It satisfies
// predicate.CommandRunner.
type Connection interface {
	UploadFile(path string, data []byte, mode os.FileMode) error
	RunCommand(command string, output io.Writer) (uint8, error)
	Close() error
}

func FormatPublicKey(key interface{}) ([]byte, error) {
	pubKey, err := ssh.NewPublicKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't use public key")
	}

	return ssh.MarshalAuthorizedKey(pubKey), nil
}

type SSHDialer struct {
	authMethods     []ssh.AuthMethod
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration
}

func newDialer(auth ssh.AuthMethod) *SSHDialer {
	return &SSHDialer{
		authMethods: []ssh.AuthMethod{auth},
		// nodes are freshly created and have no known host key yet
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		timeout:         defaultDialTimeout,
	}
}

func NewDialerWithSigner(signer ssh.Signer) *SSHDialer {
	return newDialer(ssh.PublicKeys(signer))
}

func NewDialerWithPassword(password string) *SSHDialer {
	return newDialer(ssh.Password(password))
}

// NewDialer reads a PEM encoded private key, decrypting it with passphrase
// when one is given.
func NewDialer(keyPath, passphrase string) (*SSHDialer, error) {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read SSH key")
	}

	var signer ssh.Signer
	if passphrase == "" {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse SSH key")
	}

	return NewDialerWithSigner(signer), nil
}

// WithHostKey pins the host key instead of accepting any.
func (d *SSHDialer) WithHostKey(key ssh.PublicKey) *SSHDialer {
	d.hostKeyCallback = ssh.FixedHostKey(key)
	return d
}

func (d *SSHDialer) WithTimeout(timeout time.Duration) *SSHDialer {
	d.timeout = timeout
	return d
}

func (d *SSHDialer) Dial(address, username string) (Connection, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "22")
	}

	client, err := ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            username,
		Auth:            d.authMethods,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't connect to SSH server")
	}

	return &sshConnection{client: client}, nil
}

type sshConnection struct {
	client *ssh.Client
}

func (c *sshConnection) UploadFile(path string, data []byte, mode os.FileMode) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return errors.Wrap(err, "couldn't create SFTP client")
	}
	defer client.Close()

	f, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrap(err, "couldn't create file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "couldn't write contents to file")
	}

	if err := f.Chmod(mode); err != nil {
		return errors.Wrap(err, "couldn't change file mode")
	}

	return nil
}

func (c *sshConnection) RunCommand(command string, output io.Writer) (uint8, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return 0, errors.Wrap(err, "error creating SSH session")
	}
	defer session.Close()

	session.Stdout = output
	session.Stderr = output

	err = session.Run(command)
	if err == nil {
		return 0, nil
	}

	switch err := err.(type) {
	case *ssh.ExitError:
		return uint8(err.ExitStatus()), nil
	default:
		return 0, errors.Wrap(err, "error running command")
	}
}

func (c *sshConnection) Close() error {
	return c.client.Close()
}
