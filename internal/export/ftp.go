package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	log "github.com/sirupsen/logrus"

	"github.com/lox/sensorcast/internal/metrics"
)

type FTPConfig struct {
	Addr     string
	User     string
	Password string
	// Dir is the remote directory files are delivered under.
	Dir     string
	Timeout time.Duration
	Retries uint64
}

type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// FTPDelivery uploads exported files, keeping their <source>/ layout.
type FTPDelivery struct {
	cfg  FTPConfig
	dial func(ctx context.Context) (ftpConn, error)
}

func NewFTPDelivery(cfg FTPConfig) *FTPDelivery {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User = "anonymous"
		cfg.Password = "anonymous"
	}
	d := &FTPDelivery{cfg: cfg}
	d.dial = func(ctx context.Context) (ftpConn, error) {
		conn, err := ftp.Dial(cfg.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(cfg.Timeout))
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return d
}

// Deliver uploads files (relative to localDir) in one session, retrying the
// whole session on failure.
func (d *FTPDelivery) Deliver(ctx context.Context, localDir string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	retries := d.cfg.Retries
	if retries == 0 {
		retries = 3
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	return backoff.RetryNotify(func() error {
		return d.deliverOnce(ctx, localDir, files)
	}, b, func(err error, wait time.Duration) {
		log.Printf("export: ftp delivery failed, retrying in %v: %v", wait, err)
	})
}

func (d *FTPDelivery) deliverOnce(ctx context.Context, localDir string, files []string) error {
	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(d.cfg.User, d.cfg.Password); err != nil {
		return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}

	made := map[string]bool{}
	for _, rel := range files {
		remote := path.Join(d.cfg.Dir, filepath.ToSlash(rel))
		dir := path.Dir(remote)
		if !made[dir] {
			// MakeDir fails when the directory exists; Stor reports a real problem.
			_ = conn.MakeDir(dir)
			made[dir] = true
		}
		if err := d.storFile(conn, filepath.Join(localDir, rel), remote); err != nil {
			return err
		}
		metrics.ExportedFiles.WithLabelValues("delivered").Inc()
	}
	log.Printf("export: delivered %d files to %s", len(files), d.cfg.Addr)
	return nil
}

func (d *FTPDelivery) storFile(conn ftpConn, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("ftp open %s: %w", local, err))
	}
	defer f.Close()
	if err := conn.Stor(remote, f); err != nil {
		return fmt.Errorf("ftp stor %s: %w", remote, err)
	}
	return nil
}
