// Package workers runs the transfers of authorized operations in the
// background.
package workers

import (
	"context"
	"fmt"
	"io"

	"github.com/gammazero/workerpool"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metrics"
	"github.com/sidkik/vaultsync/pkg/operation"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/warebox"
)

// Transport moves content between the warebox and the storage server.
type Transport interface {
	Upload(ctx context.Context, op *operation.Operation, r io.Reader) error
	Download(ctx context.Context, op *operation.Operation, w io.Writer) error
}

// Pool runs operations on a bounded number of workers. A worker must be
// acquired before an operation is sent to the pool, and is released once the
// operation finishes.
//
// The outcome of each operation is reported through the notify callback as
// an OPERATIONDONE or OPERATIONFAILED command, followed by WORKERFREE.
type Pool struct {
	size      int32
	busy      *atomic.Int32
	pool      *workerpool.WorkerPool
	warebox   *warebox.Warebox
	transport Transport
	notify    func(protocol.Command)
	metrics   *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool of `size` workers.
func New(size int, wb *warebox.Warebox, transport Transport,
	notify func(protocol.Command), collector *metrics.Collector) *Pool {

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:      int32(size),
		busy:      atomic.NewInt32(0),
		pool:      workerpool.New(size),
		warebox:   wb,
		transport: transport,
		notify:    notify,
		metrics:   collector,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AcquireWorker reserves a worker. It returns false if they're all busy.
func (p *Pool) AcquireWorker() bool {
	for {
		busy := p.busy.Load()
		if busy >= p.size {
			return false
		}
		if p.busy.CompareAndSwap(busy, busy+1) {
			p.metrics.SetBusyWorkers(int(busy + 1))
			return true
		}
	}
}

// ReleaseWorker returns a reserved worker to the pool.
func (p *Pool) ReleaseWorker() {
	p.metrics.SetBusyWorkers(int(p.busy.Dec()))
}

// ExistFreeWorkers returns whether AcquireWorker would succeed.
func (p *Pool) ExistFreeWorkers() bool {
	return p.busy.Load() < p.size
}

// SendOperation runs `op` on the worker reserved by the caller.
func (p *Pool) SendOperation(op *operation.Operation) {
	p.pool.Submit(func() {
		err := p.run(p.ctx, op)
		p.metrics.Transferred(string(op.Verb), err == nil)

		if err != nil {
			log.WithError(err).WithField("operation", op).Warn("Transfer failed")
			op.Abort(err)
			p.notify(protocol.Command{Kind: protocol.OperationFailed, OperationID: op.ID, Err: err})
		} else {
			op.Complete()
			p.notify(protocol.Command{Kind: protocol.OperationDone, OperationID: op.ID})
		}

		p.ReleaseWorker()
		p.notify(protocol.Command{Kind: protocol.WorkerFree})
	})
}

func (p *Pool) run(ctx context.Context, op *operation.Operation) error {
	switch op.Verb {
	case operation.Upload:
		return p.upload(ctx, op)
	case operation.Download:
		return p.download(ctx, op)
	}
	return fmt.Errorf("%s operations don't transfer content", op.Verb)
}

func (p *Pool) upload(ctx context.Context, op *operation.Operation) error {
	f, err := p.warebox.Open(op.Pathname)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := warebox.NewHasher()
	if err := p.transport.Upload(ctx, op, io.TeeReader(f, hasher)); err != nil {
		return errors.WithContext(err, "upload")
	}

	// The server rejects content that doesn't match the declared etag, but
	// the file might have changed after it was declared.
	if hasher.Etag() != op.Etag {
		return errors.ErrFileChanged
	}
	return nil
}

func (p *Pool) download(ctx context.Context, op *operation.Operation) error {
	staged, err := p.warebox.StageDownload(op.Pathname)
	if err != nil {
		return err
	}

	if err := p.transport.Download(ctx, op, staged); err != nil {
		p.warebox.DiscardDownload(staged)
		return errors.WithContext(err, "download")
	}
	return p.warebox.CommitDownload(staged, op.Etag)
}

// CleanDownloadDir removes downloads left behind by interrupted transfers.
func (p *Pool) CleanDownloadDir() error {
	return p.warebox.CleanDownloadDir()
}

// Stop cancels the running transfers and waits for the workers to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.pool.StopWait()
}
