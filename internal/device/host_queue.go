package device

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"
)

var _ Queue = (*hostQueue)(nil)

// hostQueue is an in-order command queue: one goroutine drains submitted
// commands in order, so a command always observes the effects of every
// command submitted before it.
type hostQueue struct {
	ctx      *hostContext
	commands chan hostCommand
	pending  sync.WaitGroup
	exited   chan struct{}

	mu       sync.Mutex // guards released and sends on commands
	released bool

	errMu sync.Mutex
	err   error // first failure, reported by Finish
}

type hostCommand struct {
	run  func() error
	done chan error // nil unless the submitter waits
}

func newHostQueue(ctx *hostContext) *hostQueue {
	q := &hostQueue{
		ctx:      ctx,
		commands: make(chan hostCommand, 64),
		exited:   make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *hostQueue) loop() {
	defer close(q.exited)
	for cmd := range q.commands {
		err := cmd.run()
		if err != nil {
			q.errMu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.errMu.Unlock()
		}
		if cmd.done != nil {
			cmd.done <- err
		}
		q.pending.Done()
	}
}

func (q *hostQueue) submit(op string, cmd hostCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return NewError(KindRuntimeDispatch, op, "queue is live", "Command submitted to a released queue", nil)
	}
	q.pending.Add(1)
	q.commands <- cmd
	return nil
}

func (q *hostQueue) EnqueueKernel(k Kernel, global, local NDRange) error {
	hk, ok := k.(*hostKernel)
	if !ok {
		return Errorf(KindRuntimeDispatch, "EnqueueKernel", "kernel created by the host runtime", nil, "Foreign kernel %T", k)
	}
	if global.Dims() == 0 || global.Size() == 0 {
		return Errorf(KindRuntimeDispatch, "EnqueueKernel", "global size > 0", nil, "Empty index space %s", global)
	}
	if !local.IsNull() {
		if local.Dims() != global.Dims() {
			return Errorf(KindRuntimeDispatch, "EnqueueKernel", "local dims == global dims", nil,
				"Local range %s does not match global range %s", local, global)
		}
		for i := 0; i < global.Dims(); i++ {
			if local.At(i) <= 0 || global.At(i)%local.At(i) != 0 {
				return Errorf(KindRuntimeDispatch, "EnqueueKernel", "global size divisible by local size", nil,
					"Local range %s does not divide global range %s", local, global)
			}
		}
		if limit := q.ctx.device.spec.MaxWorkGroupSize; local.Size() > limit {
			return Errorf(KindRuntimeDispatch, "EnqueueKernel", "local size <= max work-group size", nil,
				"Local range %s exceeds the %d work-item group limit", local, limit)
		}
	}

	args, err := hk.snapshot()
	if err != nil {
		return err
	}
	views := make([][]float32, len(args))
	for i, a := range args {
		if b, ok := a.(*hostBuffer); ok {
			if b.released.Load() {
				return Errorf(KindRuntimeDispatch, "EnqueueKernel", "argument buffers are live", nil,
					"Argument %d of kernel %q was released", i, hk.Name())
			}
			views[i] = arrow.Float32Traits.CastFromBytes(b.data)
		}
	}

	kernelLaunches.WithLabelValues(hk.Name()).Inc()
	workers := q.ctx.device.runtime.workers
	fn := hk.linked.impl.Func
	name := hk.Name()
	return q.submit("EnqueueKernel", hostCommand{run: func() error {
		if err := executeRange(fn, args, views, global, local, workers); err != nil {
			return Errorf(KindRuntimeDispatch, "EnqueueKernel", "kernel runs to completion", err, "Kernel %q failed", name)
		}
		return nil
	}})
}

func (q *hostQueue) EnqueueRead(b Buffer, blocking bool, offset int, dst []byte) error {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return Errorf(KindRuntimeDispatch, "EnqueueRead", "buffer created by the host runtime", nil, "Foreign buffer %T", b)
	}
	if offset < 0 || offset+len(dst) > len(hb.data) {
		return Errorf(KindRuntimeDispatch, "EnqueueRead", "offset+len(dst) <= buffer size", nil,
			"Read of %d bytes at %d overruns %d byte buffer", len(dst), offset, len(hb.data))
	}

	cmd := hostCommand{run: func() error {
		if hb.released.Load() {
			return NewError(KindRuntimeDispatch, "EnqueueRead", "buffer is live", "Read from a released buffer", nil)
		}
		copy(dst, hb.data[offset:offset+len(dst)])
		bytesDownloaded.Add(float64(len(dst)))
		return nil
	}}
	if blocking {
		cmd.done = make(chan error, 1)
	}
	if err := q.submit("EnqueueRead", cmd); err != nil {
		return err
	}
	if blocking {
		return <-cmd.done
	}
	return nil
}

func (q *hostQueue) Finish() error {
	q.pending.Wait()
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *hostQueue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	close(q.commands)
	q.mu.Unlock()
	<-q.exited
	return nil
}

// executeRange runs fn over global, one work-group at a time per goroutine.
// With a null local range each group is one slice of the first dimension.
func executeRange(fn HostKernelFunc, args []any, views [][]float32, global, local NDRange, workers int) error {
	if local.IsNull() {
		switch global.Dims() {
		case 1:
			local = Range1D(1)
		case 2:
			local = Range2D(1, global.At(1))
		default:
			local = Range3D(1, global.At(1), global.At(2))
		}
	}

	gx := global.At(0) / local.At(0)
	gy := global.At(1) / local.At(1)
	gz := global.At(2) / local.At(2)
	groups := gx * gy * gz
	if workers > groups {
		workers = groups
	}
	perWorker := (groups + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < groups; start += perWorker {
		end := min(start+perWorker, groups)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("work-group panic: %v", r)
				}
			}()
			item := &WorkItem{global: global, local: local, args: args, views: views}
			for group := start; group < end; group++ {
				ox := (group % gx) * local.At(0)
				oy := ((group / gx) % gy) * local.At(1)
				oz := (group / (gx * gy)) * local.At(2)
				for z := 0; z < local.At(2); z++ {
					for y := 0; y < local.At(1); y++ {
						for x := 0; x < local.At(0); x++ {
							item.id = [3]int{ox + x, oy + y, oz + z}
							fn(item)
						}
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}
