// Copyright 2025 Takhin Data, Inc.

// Package wdt stands in for an external bulk file transport, defined only
// by its contract: {start_sender(url, src_dir, done_cb)} and a symmetric
// receiver, with no bytes-level wire format fixed here. Transport is the
// receiver half — fetching a sender's published base snapshot into a
// local staging directory — since that's the half the partition handler
// needs in order to adopt a base.
package wdt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/mempool"
	"github.com/takhin-data/laser/pkg/status"
)

// copyBufPool supplies the scratch buffers transports use to stream base
// snapshots into staging directories, avoiding a fresh allocation per
// transfer for what can be multi-megabyte files.
var copyBufPool = mempool.NewBufferPool()

const copyBufSize = 262144

// DoneFunc is invoked once a transfer completes, mirroring the done_cb
// on the sender side of the bulk transport contract.
type DoneFunc func(err error)

// TransferThrottler bounds the byte rate a Transport may sustain while
// streaming a base snapshot. Implemented by *pkg/throttle.Throttler.
type TransferThrottler interface {
	AllowTransfer(ctx context.Context, n int) error
}

// throttledCopy streams src into dst through buf, consulting tt before each
// write so the transfer can't exceed the configured bandwidth. tt may be
// nil, in which case it behaves like io.CopyBuffer.
func throttledCopy(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, tt TransferThrottler) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if tt != nil {
				if err := tt.AllowTransfer(ctx, n); err != nil {
					return written, err
				}
			}
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// Transport fetches the base snapshot published at url into destDir,
// returning the path of the adopted snapshot file. Schemes are dispatched
// by Dispatcher; callers normally don't construct a Transport directly.
type Transport interface {
	Fetch(ctx context.Context, wdtURL, destDir string) (string, error)
}

// Dispatcher routes a snapshot URL to the Transport registered for its
// scheme (e.g. "file", "s3"). Unregistered schemes return RSNotSupported.
type Dispatcher struct {
	transports map[string]Transport
	log        *logger.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		transports: make(map[string]Transport),
		log:        logger.Default().WithComponent("wdt"),
	}
}

// Register associates scheme (e.g. "file", "s3") with a Transport.
func (d *Dispatcher) Register(scheme string, t Transport) {
	d.transports[scheme] = t
}

// Fetch parses wdtURL's scheme and delegates to the matching Transport.
func (d *Dispatcher) Fetch(ctx context.Context, wdtURL, destDir string) (string, error) {
	u, err := url.Parse(wdtURL)
	if err != nil {
		return "", status.New(status.RSInvalidArgument, "parse wdt url %q: %v", wdtURL, err)
	}
	t, ok := d.transports[u.Scheme]
	if !ok {
		return "", status.New(status.RSNotSupported, "no wdt transport registered for scheme %q", u.Scheme)
	}
	d.log.Info("fetching base snapshot", "url", wdtURL, "scheme", u.Scheme)
	return t.Fetch(ctx, wdtURL, destDir)
}

// LocalTransport implements Transport over the local filesystem, used in
// tests and single-node deployments where sender and receiver share a
// disk. A "file://" URL's path is copied verbatim into destDir.
type LocalTransport struct {
	Throttle TransferThrottler
}

func (t LocalTransport) Fetch(ctx context.Context, wdtURL, destDir string) (string, error) {
	u, err := url.Parse(wdtURL)
	if err != nil {
		return "", status.New(status.RSInvalidArgument, "parse wdt url %q: %v", wdtURL, err)
	}

	src, err := os.Open(u.Path)
	if err != nil {
		return "", status.New(status.RSIOError, "open source %s: %v", u.Path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", status.New(status.RSIOError, "mkdir %s: %v", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(u.Path))
	dst, err := os.Create(destPath)
	if err != nil {
		return "", status.New(status.RSIOError, "create %s: %v", destPath, err)
	}
	defer dst.Close()

	buf := copyBufPool.Get(copyBufSize)
	defer copyBufPool.Put(buf)
	if _, err := throttledCopy(ctx, dst, src, buf, t.Throttle); err != nil {
		return "", status.New(status.RSIOError, "copy %s -> %s: %v", u.Path, destPath, err)
	}
	return destPath, nil
}

// StartSender is the send-side half of the {start_sender(url, src_dir,
// done_cb)} bulk transport contract. The local transport does not send:
// it copies nothing and calls done at once with a receive-only error.
func (LocalTransport) StartSender(url, srcDir string, done DoneFunc) {
	done(fmt.Errorf("wdt: local sender is receive-only in this deployment; use S3Transport to publish"))
}
