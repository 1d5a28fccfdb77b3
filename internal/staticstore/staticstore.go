package staticstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shmipc/internal/ipcerr"
)

func blobPath(prefixDir, serviceId string) string {
	return filepath.Join(prefixDir, "static", serviceId)
}

// Create seals cfg into new static storage keyed by cfg.ServiceId.
// Creation is mutually exclusive via O_EXCL, giving the process-shared
// creation lock spec.md 5 requires for named shared objects: the first
// process to win the O_EXCL race proceeds, every loser observes
// AlreadyExists and falls back to Open.
func Create(prefixDir string, cfg StaticConfig) error {
	dir := filepath.Join(prefixDir, "static")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir static dir: %v", ipcerr.ErrInternal, err)
	}

	path := blobPath(prefixDir, cfg.ServiceId)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ipcerr.ErrAlreadyExists
		}
		return fmt.Errorf("%w: create static storage %q: %v", ipcerr.ErrInternal, path, err)
	}
	defer f.Close()

	if _, err := f.Write(Encode(cfg)); err != nil {
		return fmt.Errorf("%w: write static storage %q: %v", ipcerr.ErrInternal, path, err)
	}
	return nil
}

// Open reads and decodes the StaticConfig for serviceId, polling until the
// blob appears (some other process may be between Create's O_EXCL and its
// first Write) or timeout elapses, in which case it returns
// InitializationNotYetFinalized per spec.md B5. A layout version mismatch
// surfaces as ErrInternal via Decode.
func Open(prefixDir, serviceId string, timeout time.Duration) (StaticConfig, error) {
	path := blobPath(prefixDir, serviceId)
	deadline := time.Now().Add(timeout)

	for {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return Decode(data)
		}
		if err != nil && !os.IsNotExist(err) {
			return StaticConfig{}, fmt.Errorf("%w: read static storage %q: %v", ipcerr.ErrInternal, path, err)
		}
		if time.Now().After(deadline) {
			return StaticConfig{}, fmt.Errorf("static storage %q: %w", serviceId, ipcerr.ErrInitializationNotYetFinalized)
		}
		time.Sleep(time.Millisecond)
	}
}

// Exists reports whether serviceId's static storage blob is currently
// present, without waiting for it, per spec.md I1's existence test.
func Exists(prefixDir, serviceId string) bool {
	_, err := os.Stat(blobPath(prefixDir, serviceId))
	return err == nil
}

// Remove deletes serviceId's static storage. Per spec.md 4.A/4.C, this is
// only safe to call once the "last one out" reference count on the
// corresponding dynamic storage has reached zero.
func Remove(prefixDir, serviceId string) error {
	if err := os.Remove(blobPath(prefixDir, serviceId)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove static storage %q: %v", ipcerr.ErrInternal, blobPath(prefixDir, serviceId), err)
	}
	return nil
}
