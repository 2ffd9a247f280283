package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// ErrRemoteEmpty is returned by Pull when nothing has been pushed yet.
var ErrRemoteEmpty = errors.New("no checkpoint on remote")

// Remote stores encrypted checkpoint blobs.
type Remote interface {
	Put(ctx context.Context, key string, blob []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewRemote picks an HTTP remote for http(s) URLs and a directory remote
// otherwise.
func NewRemote(target string) (Remote, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("sync remote is not configured")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return &HTTPRemote{BaseURL: strings.TrimRight(target, "/"), Client: &http.Client{Timeout: 60 * time.Second}}, nil
	}
	return &DirRemote{Dir: target}, nil
}

// HTTPRemote PUTs and GETs blobs under BaseURL/<key>.
type HTTPRemote struct {
	BaseURL string
	Client  *http.Client
}

func (r *HTTPRemote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *HTTPRemote) Put(ctx context.Context, key string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.BaseURL+"/"+key, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (r *HTTPRemote) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRemoteEmpty
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// DirRemote keeps blobs as files in a directory, e.g. a synced folder.
type DirRemote struct {
	Dir string
}

func (r *DirRemote) Put(_ context.Context, key string, blob []byte) error {
	if err := os.MkdirAll(r.Dir, 0o700); err != nil {
		return err
	}
	tmp := filepath.Join(r.Dir, key+".tmp")
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(r.Dir, key))
}

func (r *DirRemote) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRemoteEmpty
	}
	return data, err
}

// Syncer exports checkpoints to a remote and imports them back.
type Syncer struct {
	manager *Manager
	remote  Remote
	creds   Credentials
}

func NewSyncer(manager *Manager, remote Remote, creds Credentials) (*Syncer, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &Syncer{manager: manager, remote: remote, creds: creds}, nil
}

// PushResult reports both halves of a push.
type PushResult struct {
	Local    Meta
	LocalErr error
	Remote   error
}

// Push snapshots once, then writes the local checkpoint and uploads the
// encrypted copy in parallel. An upload failure never affects the local save.
func (s *Syncer) Push(ctx context.Context) (PushResult, error) {
	cp, err := s.manager.Snapshot(ctx)
	if err != nil {
		return PushResult{}, err
	}
	var res PushResult
	var g errgroup.Group
	g.Go(func() error {
		res.Local, res.LocalErr = s.manager.Save(ctx, cp)
		return nil
	})
	g.Go(func() error {
		res.Remote = s.upload(ctx, cp)
		return nil
	})
	_ = g.Wait()

	if res.Remote != nil {
		logger.WarnCF("sync", "Push failed", map[string]interface{}{"error": res.Remote.Error()})
		return res, &SyncError{Op: "push", Err: res.Remote}
	}
	logger.InfoCF("sync", "Checkpoint pushed", map[string]interface{}{"id": cp.ID})
	return res, nil
}

func (s *Syncer) upload(ctx context.Context, cp Checkpoint) error {
	payload, err := Encode(cp)
	if err != nil {
		return err
	}
	blob, err := Encrypt(s.creds, payload)
	if err != nil {
		return err
	}
	return s.remote.Put(ctx, s.creds.ObjectKey(), blob)
}

// Pull downloads, decrypts and imports the remote checkpoint. The caller
// decides whether to apply it.
func (s *Syncer) Pull(ctx context.Context) (Checkpoint, error) {
	blob, err := s.remote.Get(ctx, s.creds.ObjectKey())
	if err != nil {
		return Checkpoint{}, &SyncError{Op: "pull", Err: err}
	}
	payload, err := Decrypt(s.creds, blob)
	if err != nil {
		return Checkpoint{}, &SyncError{Op: "pull", Err: err}
	}
	cp, err := s.manager.Import(ctx, payload)
	if err != nil {
		return Checkpoint{}, &SyncError{Op: "import", Err: err}
	}
	logger.InfoCF("sync", "Checkpoint pulled", map[string]interface{}{
		"id":        cp.ID,
		"timestamp": cp.Timestamp.Format(time.RFC3339),
	})
	return cp, nil
}
