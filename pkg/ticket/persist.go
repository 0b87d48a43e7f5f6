package ticket

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists loginTicketResponse XML documents under a directory,
// one file per service, using write-then-rename so a crash mid-write never
// leaves a corrupt file behind for a concurrent reader (spec.md §4.1 renew,
// §6's `service/xml_files/loginTicketResponse.xml`).
type FileStore struct {
	dir   string
	files map[Service]string
}

// NewFileStore creates a FileStore rooted at dir. files maps each Service
// to its filename within dir (e.g. "loginTicketResponse.xml" for WSFE and
// its WSPCI counterpart, per spec.md §6).
func NewFileStore(dir string, files map[Service]string) *FileStore {
	return &FileStore{dir: dir, files: files}
}

func (f *FileStore) pathFor(service Service) (string, error) {
	name, ok := f.files[service]
	if !ok {
		return "", fmt.Errorf("ticket: no file configured for service %q", service)
	}
	return filepath.Join(f.dir, name), nil
}

// Load reads and parses the on-disk ticket for service.
func (f *FileStore) Load(service Service) (Credentials, error) {
	path, err := f.pathFor(service)
	if err != nil {
		return Credentials{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("ticket: read %s: %w", path, err)
	}

	resp, err := parseLoginTicketResponse(raw)
	if err != nil {
		return Credentials{}, err
	}
	expiration, err := parseExpirationTime(raw)
	if err != nil {
		return Credentials{}, err
	}
	generation, err := parseGenerationTime(raw)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		Token:          resp.Credentials.Token,
		Sign:           resp.Credentials.Sign,
		GenerationTime: generation,
		ExpirationTime: expiration,
	}, nil
}

// Save atomically replaces the on-disk ticket for service with
// rawResponseXML: write to a temp file in the same directory, fsync, then
// rename over the target — renames within a directory are atomic on every
// filesystem this codebase targets.
func (f *FileStore) Save(service Service, _ Credentials, rawResponseXML []byte) error {
	path, err := f.pathFor(service)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ticket: mkdir %s: %w", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("ticket: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(rawResponseXML); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ticket: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ticket: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ticket: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ticket: rename into place: %w", err)
	}
	return nil
}
