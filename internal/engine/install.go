package engine

import (
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	egerrors "github.com/enginegate/host/internal/errors"
)

// ReadyFileName is written by the engine into its log directory once its
// embedded server is listening. It holds the port as plain text.
const ReadyFileName = "connector.securePort"

// Locate resolves the engine executable. With a root it must exist under
// <root>/bin; otherwise it is looked up on PATH.
func Locate(root, executable string) (path string, installRoot string, err error) {
	if root != "" {
		candidate := filepath.Join(root, "bin", executable)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, root, nil
		}
		return "", "", egerrors.InstallMissing(candidate)
	}

	found, err := exec.LookPath(executable)
	if err != nil {
		return "", "", egerrors.InstallMissing(executable)
	}
	if resolved, err := filepath.EvalSymlinks(found); err == nil {
		found = resolved
	}
	// <root>/bin/<executable>
	return found, filepath.Dir(filepath.Dir(found)), nil
}

// VersionInfo is the install's VersionInfo.xml.
type VersionInfo struct {
	XMLName xml.Name `xml:"MathWorks_version_info"`
	Version string   `xml:"version"`
	Release string   `xml:"release"`
}

// ReadVersion parses <root>/VersionInfo.xml. A missing file is not an error;
// it yields an empty VersionInfo.
func ReadVersion(root string) (VersionInfo, error) {
	var v VersionInfo
	if root == "" {
		return v, nil
	}
	data, err := os.ReadFile(filepath.Join(root, "VersionInfo.xml"))
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return v, err
	}
	if err := xml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse VersionInfo.xml: %w", err)
	}
	v.Version = strings.TrimSpace(v.Version)
	v.Release = strings.TrimSpace(v.Release)
	return v, nil
}

// ReadyFilePath returns where the engine writes its ready file.
func ReadyFilePath(stateDir string) string {
	return filepath.Join(stateDir, ReadyFileName)
}

// ReadReadyPort returns the port recorded in the ready file. ok is false when
// the file does not exist yet or does not hold a valid port.
func ReadReadyPort(stateDir string) (port int, ok bool) {
	data, err := os.ReadFile(ReadyFilePath(stateDir))
	if err != nil {
		return 0, false
	}
	p, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}

// RemoveArtifacts deletes the ready file so a stale port is never read by the
// next run.
func RemoveArtifacts(stateDir string) error {
	err := os.Remove(ReadyFilePath(stateDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
