package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
)

// ServiceContext selects the default location of runtime files
type ServiceContext string

const (
	// SystemService runs under an init system, files live in system directories
	SystemService ServiceContext = "system"

	// UserService runs for a single user, files live under the user's home
	UserService ServiceContext = "user"

	// SessionService is tied to a login session, files live in the temp directory
	SessionService ServiceContext = "session"
)

const DefaultAppName = "procmon"

// ProcessFileConfig configures where pid and log files are placed
type ProcessFileConfig struct {
	ServiceContext ServiceContext
	AppName        string

	// BaseDirectory overrides the context-specific location
	BaseDirectory string

	// UseSubdirectory nests files under a directory named after the app
	UseSubdirectory bool
}

// ProcessFileManager resolves and maintains pid and log files of the agent
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// ParseServiceContext accepts system, user or session; empty means user
func ParseServiceContext(value string) (ServiceContext, error) {
	switch context := ServiceContext(strings.ToLower(strings.TrimSpace(value))); context {
	case "":
		return UserService, nil
	case SystemService, UserService, SessionService:
		return context, nil
	default:
		return "", errors.NewValidationError("unknown service context", nil).
			WithContext("service_context", value).
			WithContext("supported", "system, user, session")
	}
}

// GetRecommendedProcessFileConfig places files for a service context under
// an app-named subdirectory
func GetRecommendedProcessFileConfig(context ServiceContext, appName string) ProcessFileConfig {
	return ProcessFileConfig{ServiceContext: context, AppName: appName, UseSubdirectory: true}
}

func (m *ProcessFileManager) runtimeDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.withSubdirectory(m.config.BaseDirectory)
	}

	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return m.withSubdirectory(programData())
		}
		return m.withSubdirectory("/var/run")
	case SessionService:
		return m.withSubdirectory(os.TempDir())
	default:
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && runtime.GOOS != "windows" {
			return m.withSubdirectory(dir)
		}
		return m.withSubdirectory(userStateDirectory())
	}
}

func (m *ProcessFileManager) logDirectory() string {
	if m.config.BaseDirectory != "" {
		return filepath.Join(m.withSubdirectory(m.config.BaseDirectory), "logs")
	}

	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return filepath.Join(m.withSubdirectory(programData()), "logs")
		}
		return m.withSubdirectory("/var/log")
	case SessionService:
		return filepath.Join(m.withSubdirectory(os.TempDir()), "logs")
	default:
		return filepath.Join(m.withSubdirectory(userStateDirectory()), "logs")
	}
}

func (m *ProcessFileManager) withSubdirectory(base string) string {
	if m.config.UseSubdirectory {
		return filepath.Join(base, m.config.AppName)
	}
	return base
}

func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}
	return `C:\ProgramData`
}

func userStateDirectory() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return os.TempDir()
}

// GeneratePIDFilePath returns the pid file path of a process
func (m *ProcessFileManager) GeneratePIDFilePath(processID string) string {
	return filepath.Join(m.runtimeDirectory(), processID+".pid")
}

// GenerateLogFilePath returns the log file path of a process stream such as "worker.out"
func (m *ProcessFileManager) GenerateLogFilePath(name string) string {
	return filepath.Join(m.logDirectory(), name+".log")
}

// WritePIDFile records pid for processID, creating the directory when needed
func (m *ProcessFileManager) WritePIDFile(processID string, pid int) error {
	path := m.GeneratePIDFilePath(processID)
	if err := ValidateDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write pid file", err).WithContext("path", path)
	}
	m.logger.Infof("PID file written, path: %s, pid: %d", path, pid)
	return nil
}

// ReadPIDFile returns the pid stored for processID
func (m *ProcessFileManager) ReadPIDFile(processID string) (int, error) {
	path := m.GeneratePIDFilePath(processID)
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read pid file", err).WithContext("path", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("pid file does not contain a valid pid", err).WithContext("path", path)
	}
	return pid, nil
}

// RemovePIDFile deletes the pid file; a missing file is not an error
func (m *ProcessFileManager) RemovePIDFile(processID string) error {
	path := m.GeneratePIDFilePath(processID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove pid file", err).WithContext("path", path)
	}
	m.logger.Debugf("PID file removed, path: %s", path)
	return nil
}

// ValidateDirectory makes sure the parent directory of path exists and is writable
func ValidateDirectory(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return errors.NewIOError("directory is not writable", err).WithContext("directory", dir)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
