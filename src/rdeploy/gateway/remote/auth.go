package remote

import (
	stderr "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const _agentSocketEnv = "SSH_AUTH_SOCK"

var _defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods collects the available authentication methods in priority order: agent, private keys, password.
// The returned cleanup must be called once the handshake is finished.
func (d *dialer) authMethods(c entity.ConnectConfig) ([]ssh.AuthMethod, func()) {
	var (
		methods []ssh.AuthMethod
		cleanup = func() {}
	)

	if socket := d.agentSocket(c); socket != "" {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			d.logger.Warnw("ssh agent unavailable", "socket", socket, "error", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { conn.Close() }
		}
	}

	if signers := d.privateKeys(c); len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	switch {
	case c.Password != "":
		methods = append(methods,
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(answerAll(c.Password)),
		)
	case d.prompt != nil:
		prompt := fmt.Sprintf("%s@%s's password: ", c.Username, c.Host)
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return d.prompt(prompt)
		}))
	}

	if len(methods) == 0 {
		d.logger.Warnw("no ssh credentials found, connection will likely be refused", "host", c.Host)
	}
	return methods, cleanup
}

func (d *dialer) agentSocket(c entity.ConnectConfig) string {
	if c.AgentSocket != "" {
		return d.expandHome(c.AgentSocket)
	}
	return d.getenv(_agentSocketEnv)
}

// privateKeys loads the configured key, or the default keys in ~/.ssh. Keys protected by a passphrase are skipped.
func (d *dialer) privateKeys(c entity.ConnectConfig) []ssh.Signer {
	var paths []string
	if c.PrivateKeyPath != "" {
		paths = []string{d.expandHome(c.PrivateKeyPath)}
	} else if d.home != "" {
		for _, name := range _defaultKeyFiles {
			paths = append(paths, filepath.Join(d.home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		pem, err := os.ReadFile(p)
		if err != nil {
			if c.PrivateKeyPath != "" || !os.IsNotExist(err) {
				d.logger.Warnw("reading private key", "path", p, "error", err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if stderr.As(err, &missing) {
				d.logger.Infow("skipping passphrase protected key, load it into the agent instead", "path", p)
			} else {
				d.logger.Warnw("parsing private key", "path", p, "error", err)
			}
			continue
		}
		d.logger.Debugw("using private key", "path", p, "type", signer.PublicKey().Type())
		signers = append(signers, signer)
	}
	return signers
}

func (d *dialer) hostKeyCallback(c entity.ConnectConfig) (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		d.logger.Warnw("host key verification disabled", "host", c.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := d.expandHome(c.KnownHostsPath)
	if path == "" {
		path = filepath.Join(d.home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", path, err)
	}
	return cb, nil
}

func (d *dialer) expandHome(p string) string {
	if p == "~" {
		return d.home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(d.home, p[2:])
	}
	return p
}

func answerAll(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}
