package pipeline

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/rs/zerolog/log"
)

// Program is kernel source compiled for a session's device.
type Program struct {
	session *Session
	prog    device.Program
}

// Compile builds source for the session's device. Build failures carry the
// compiler log.
func Compile(s *Session, source string) (*Program, error) {
	prog, err := s.ctx.BuildProgram(source)
	if err != nil {
		log.Error().Err(err).Msg("Kernel build failed")
		return nil, wrapBuild(err)
	}
	if err := s.own(prog); err != nil {
		return nil, err
	}
	log.Debug().Strs("kernels", prog.KernelNames()).Msg("Program built")
	return &Program{session: s, prog: prog}, nil
}

func (p *Program) KernelNames() []string {
	return p.prog.KernelNames()
}

func wrapBuild(err error) error {
	if device.KindOf(err) != 0 {
		return err
	}
	return device.NewError(device.KindBuild, "Compile", "program builds for device", "Kernel build failed", err)
}

// InstanceState tracks a kernel instance through one launch.
type InstanceState int

const (
	Unbound InstanceState = iota
	Bound
	Dispatched
	Completed
)

func (s InstanceState) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Bound:
		return "Bound"
	case Dispatched:
		return "Dispatched"
	case Completed:
		return "Completed"
	default:
		return fmt.Sprintf("InstanceState(%d)", int(s))
	}
}

// KernelInstance is a program entry point with its arguments bound. Arguments
// cannot be changed once bound; bind a new instance instead.
type KernelInstance struct {
	name   string
	kernel device.Kernel

	mu    sync.Mutex
	state InstanceState
}

func (k *KernelInstance) Name() string { return k.name }

func (k *KernelInstance) State() InstanceState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *KernelInstance) complete() {
	k.mu.Lock()
	if k.state == Dispatched {
		k.state = Completed
	}
	k.mu.Unlock()
}

// BindKernel instantiates the entry point name and binds args positionally.
// Arguments are *DeviceBuffer, int (passed as a 32-bit int), int32, uint32
// or float32, and must cover every kernel parameter.
func BindKernel(p *Program, name string, args ...any) (*KernelInstance, error) {
	kern, err := p.prog.Kernel(name)
	if err != nil {
		if device.KindOf(err) != 0 {
			return nil, err
		}
		return nil, device.NewError(device.KindSymbolNotFound, "BindKernel", fmt.Sprintf("kernel %q defined in program", name),
			"Kernel lookup failed", err)
	}
	if err := p.session.own(kern); err != nil {
		return nil, err
	}

	inst := &KernelInstance{name: name, kernel: kern}
	if len(args) != kern.NumArgs() {
		return nil, device.Errorf(device.KindRuntimeDispatch, "BindKernel", fmt.Sprintf("%d arguments", kern.NumArgs()), nil,
			"Kernel %q takes %d arguments, got %d", name, kern.NumArgs(), len(args))
	}
	for i, a := range args {
		v, err := argValue(a)
		if err != nil {
			return nil, device.Errorf(device.KindRuntimeDispatch, "BindKernel", "supported argument type", err,
				"Argument %d of kernel %q", i, name)
		}
		if err := kern.SetArg(i, v); err != nil {
			return nil, wrapDispatch("BindKernel", "argument binds", "Kernel argument rejected", err)
		}
	}
	inst.state = Bound
	return inst, nil
}

func argValue(a any) (any, error) {
	switch v := a.(type) {
	case *DeviceBuffer:
		return v.buf, nil
	case device.Buffer:
		return v, nil
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows int32", v)
		}
		return int32(v), nil
	case int32, uint32, float32:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", a)
	}
}

// Dispatch enqueues k over global, with the work-group size chosen by policy
// (Naive when nil). An empty index space is not submitted. Dispatch does not
// wait; Session.Finish marks the instance Completed.
func Dispatch(s *Session, k *KernelInstance, global device.NDRange, policy DispatchPolicy) error {
	if policy == nil {
		policy = Naive{}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Bound {
		return device.Errorf(device.KindRuntimeDispatch, "Dispatch", "instance is Bound", nil,
			"Kernel %q is %s; bind a new instance to launch again", k.name, k.state)
	}

	if global.Size() == 0 {
		log.Debug().Str("kernel", k.name).Stringer("global", global).Msg("Empty index space, nothing to dispatch")
	} else {
		local := FitWorkGroup(global, policy.Local(global), s.dev.Info().MaxWorkGroupSize)
		if err := s.queue.EnqueueKernel(k.kernel, global, local); err != nil {
			return wrapDispatch("Dispatch", "kernel enqueues", "Kernel launch failed", err)
		}
		log.Debug().Str("kernel", k.name).Stringer("global", global).Stringer("local", local).
			Str("policy", policy.Name()).Msg("Kernel dispatched")
	}
	dispatches.WithLabelValues(policy.Name()).Inc()
	k.state = Dispatched
	s.dispatched(k)
	return nil
}
