package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is the on-disk layout version written to .version.
const Version = "0.0.2"

const versionFile = ".version"

var (
	ErrVersionMismatch = errors.New("cache: stamp is newer than this build")
	ErrBadVersionStamp = errors.New("cache: malformed version stamp")
)

// checkVersion writes the stamp into a fresh directory, or accepts an existing stamp
// whose every component is <= the running version.
func checkVersion(dir string) error {
	path := filepath.Join(dir, versionFile)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return writeFileAtomic(path, []byte(Version))
	}
	if err != nil {
		return err
	}
	return compareStamp(strings.TrimSpace(string(raw)), Version, dir)
}

func compareStamp(stamp, current, dir string) error {
	if len(strings.Split(stamp, ".")) != 3 {
		return fmt.Errorf("%w %q in %s; clear the cache", ErrBadVersionStamp, stamp, dir)
	}
	stored, err := semver.StrictNewVersion(stamp)
	if err != nil {
		return fmt.Errorf("%w %q in %s: %v; clear the cache", ErrBadVersionStamp, stamp, dir, err)
	}
	running := semver.MustParse(current)
	if stored.Major() > running.Major() || stored.Minor() > running.Minor() || stored.Patch() > running.Patch() {
		return fmt.Errorf("%w: cache %s has version %s, code supports %s; consider clearing the cache",
			ErrVersionMismatch, dir, stored, running)
	}
	return nil
}
