package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a relayd instance.
type InstancePaths struct {
	Home     string // Instance home directory
	ConfigDB string // SQLite configuration store path
	Entities string // Bootstrap entities file path (entities.yaml)
	Lock     string // Daemon lock file path
	Logs     string // Logs directory
	TempDir  string // Temporary files directory
	RunDir   string // Runtime assets directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetRelaydHome(), "instances", instanceName)

	return InstancePaths{
		Home:     instanceDir,
		ConfigDB: filepath.Join(instanceDir, "config.db"),
		Entities: filepath.Join(instanceDir, "entities.yaml"),
		Lock:     filepath.Join(instanceDir, "daemon.lock"),
		Logs:     filepath.Join(instanceDir, "logs"),
		TempDir:  filepath.Join(instanceDir, "tmp"),
		RunDir:   filepath.Join(instanceDir, "run"),
	}
}

// GetRelaydHome returns the relayd home directory (~/.relayd).
func GetRelaydHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".relayd")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.TempDir,
		paths.RunDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
