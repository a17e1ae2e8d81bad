// Package tlsmaterial implements smtp.TLSMaterialProvider, generalising the
// teacher's one-shot tls.LoadX509KeyPair-at-startup idiom (daemon/smtpd) to
// also watch the certificate and key files with fsnotify and reload the
// cached pair in place whenever either changes.
package tlsmaterial

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/duskmail/ingest/lalog"
	"github.com/duskmail/ingest/smtp"
)

// FileProvider loads a certificate/key pair from disk and keeps the parsed
// pair cached, refreshing it when the watcher observes either file change.
type FileProvider struct {
	CertPath string
	KeyPath  string

	mu       sync.RWMutex
	material *smtp.TLSMaterial
	watcher  *fsnotify.Watcher
	logger   lalog.Logger
}

// NewFileProvider loads certPath/keyPath once synchronously so construction
// fails fast on a bad pair, then starts a background fsnotify watch that
// refreshes the cached pair on every subsequent write.
func NewFileProvider(ctx context.Context, certPath, keyPath string) (*FileProvider, error) {
	p := &FileProvider{
		CertPath: certPath,
		KeyPath:  keyPath,
		logger:   lalog.Logger{ComponentName: "tlsmaterial.fileprovider"},
	}
	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial.NewFileProvider: %w", err)
	}
	for _, path := range []string{certPath, keyPath} {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tlsmaterial.NewFileProvider: watch %s: %w", path, err)
		}
	}
	p.watcher = watcher
	go p.watchLoop(ctx)
	return p, nil
}

func (p *FileProvider) reload() error {
	cert, err := tls.LoadX509KeyPair(p.CertPath, p.KeyPath)
	if err != nil {
		return fmt.Errorf("tlsmaterial.FileProvider.reload: %w", err)
	}
	p.mu.Lock()
	p.material = &smtp.TLSMaterial{Certificates: []tls.Certificate{cert}}
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer p.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warning(event.Name, err, "failed to reload TLS material after file change")
				continue
			}
			p.logger.Info(event.Name, nil, "reloaded TLS material")
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warning("", err, "TLS material watcher error")
		}
	}
}

// Load implements smtp.TLSMaterialProvider, returning the most recently
// cached pair without touching disk.
func (p *FileProvider) Load(ctx context.Context) (*smtp.TLSMaterial, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.material, nil
}
