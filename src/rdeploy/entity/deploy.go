// Package entity contains the domain types shared by the rdeploy controllers.
package entity

import (
	"net"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
)

// Configuration keys read from the config.Provider.
const (
	RemoteConfigKey = "remote"
	LocalConfigKey  = "local"
	BuildConfigKey  = "build"
	DeployConfigKey = "deploy"
	RelayConfigKey  = "relay"
	PidFileKey      = "pidFile"
)

const _defaultSSHPort = 22

// ConnectConfig holds the parameters used to open the remote session.
type ConnectConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	PrivateKeyPath        string `yaml:"privateKeyPath"`
	AgentSocket           string `yaml:"agentSocket"`
	KnownHostsPath        string `yaml:"knownHostsPath"`
	InsecureIgnoreHostKey bool   `yaml:"insecureIgnoreHostKey"`
}

// RemoteConfig is the `remote` section of the configuration.
type RemoteConfig struct {
	Connect     ConnectConfig `yaml:"connect"`
	Directory   string        `yaml:"directory"`
	ServiceName string        `yaml:"serviceName"`
}

// LocalConfig is the `local` section of the configuration.
type LocalConfig struct {
	BasePath  string `yaml:"basePath"`
	ModuleDir string `yaml:"moduleDir"`
}

// ModulePath returns the local directory of the deployed module.
func (l LocalConfig) ModulePath() string {
	return filepath.Join(l.BasePath, l.ModuleDir)
}

// CommandConfig describes a command and its arguments.
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// BuildConfig is the `build` section of the configuration.
type BuildConfig struct {
	// ConfigName is the compiler configuration file searched for upwards from the module directory.
	ConfigName string        `yaml:"configName"`
	Compiler   CommandConfig `yaml:"compiler"`
	Debounce   time.Duration `yaml:"debounce"`
	// Ignore lists directory names that are never watched for source changes.
	Ignore []string `yaml:"ignore"`
}

// DeployConfig is the `deploy` section of the configuration.
type DeployConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	StopTimeout time.Duration `yaml:"stopTimeout"`
	SyncOnStart bool          `yaml:"syncOnStart"`
	// Manifests are module-relative dependency manifest files (package descriptor and lockfile).
	Manifests []string      `yaml:"manifests"`
	Install   CommandConfig `yaml:"install"`
	Start     CommandConfig `yaml:"start"`
}

// RelayConfig is the `relay` section of the configuration.
type RelayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	RemoteHost string `yaml:"remoteHost"`
	RemotePort int    `yaml:"remotePort"`
	ViaSSH     bool   `yaml:"viaSSH"`
}

// PidFileConfig is the `pidFile` section of the configuration. An empty Path disables the guard.
type PidFileConfig struct {
	Path string `yaml:"path"`
	// Mode is "kill" or "die".
	Mode string `yaml:"mode"`
}

// RemoteTarget identifies the host, credentials and remote directory a deployment is rooted at.
// It is built once at startup and never modified.
type RemoteTarget struct {
	Connect     ConnectConfig
	Directory   string
	ModuleDir   string
	ServiceName string
}

// NewRemoteTarget combines the remote and local configuration sections into a RemoteTarget.
func NewRemoteTarget(remote RemoteConfig, local LocalConfig) RemoteTarget {
	return RemoteTarget{
		Connect:     remote.Connect,
		Directory:   remote.Directory,
		ModuleDir:   filepath.ToSlash(local.ModuleDir),
		ServiceName: remote.ServiceName,
	}
}

// Address returns the host:port of the SSH server.
func (t RemoteTarget) Address() string {
	port := t.Connect.Port
	if port == 0 {
		port = _defaultSSHPort
	}
	return net.JoinHostPort(t.Connect.Host, strconv.Itoa(port))
}

// ModuleRoot is the remote directory holding the deployed module tree.
func (t RemoteTarget) ModuleRoot() string {
	return path.Join(t.Directory, t.ModuleDir)
}

// RemotePath maps a module-relative path to its remote location.
func (t RemoteTarget) RemotePath(rel string) string {
	return path.Join(t.ModuleRoot(), rel)
}

// String implements fmt.Stringer.
func (t RemoteTarget) String() string {
	return t.Connect.Username + "@" + t.Address() + ":" + t.ModuleRoot()
}

// OutputFile is a single compiled file. Path is module-relative and slash separated.
type OutputFile struct {
	Path    string
	Content []byte
}

// BuildOutput is the ordered set of files produced by one successful compile pass.
type BuildOutput []OutputFile

// Paths returns the paths of every file in the output, in order.
func (b BuildOutput) Paths() []string {
	paths := make([]string, 0, len(b))
	for _, f := range b {
		paths = append(paths, f.Path)
	}
	return paths
}

// ProcessHandle is the ownership token for the remote daemon process.
type ProcessHandle struct {
	ID        uuid.UUID `json:"id" zap:"id"`
	Command   string    `json:"command" zap:"command"`
	Dir       string    `json:"dir" zap:"dir"`
	StartedAt time.Time `json:"startedAt" zap:"startedAt"`
}
