package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/23skdu/longbow-clmatmul/internal/client"
	"github.com/23skdu/longbow-clmatmul/internal/config"
	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/kernels"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/23skdu/longbow-clmatmul/internal/pipeline"
	"github.com/rs/zerolog/log"
)

// verifyTolerance bounds |product - reference| for --verify.
const verifyTolerance = 1e-4

type runInput struct {
	lhsPath string
	rhsPath string
	verify  bool
}

// canonicalOperands is the 2x3 by 3x2 example multiplied when no files are given.
func canonicalOperands() (lhs, rhs *matrix.Matrix) {
	lhs = matrix.MustNew(2, 3, []float32{1, 2, 3, 4, 5, 6})
	rhs = matrix.MustNew(3, 2, []float32{7, 8, 9, 10, 11, 12})
	return lhs, rhs
}

func (in runInput) operands() (*matrix.Matrix, *matrix.Matrix, error) {
	switch {
	case in.lhsPath == "" && in.rhsPath == "":
		lhs, rhs := canonicalOperands()
		return lhs, rhs, nil
	case in.lhsPath == "" || in.rhsPath == "":
		return nil, nil, fmt.Errorf("--lhs and --rhs must be given together")
	}
	lhs, err := matrix.Load(in.lhsPath)
	if err != nil {
		return nil, nil, err
	}
	rhs, err := matrix.Load(in.rhsPath)
	if err != nil {
		return nil, nil, err
	}
	return lhs, rhs, nil
}

func newRuntime(cfg *config.Config) (device.Runtime, error) {
	opts := []device.HostOption{device.WithMemory(cfg.Host.MemoryBytes)}
	if cfg.Host.Workers > 0 {
		opts = append(opts, device.WithWorkers(cfg.Host.Workers))
	}
	return device.NewRuntime(cfg.Runtime, opts...)
}

// newDriver resolves the runtime, device, kernel source and policy named by cfg.
func newDriver(cfg *config.Config) (*pipeline.Driver, error) {
	rt, err := newRuntime(cfg)
	if err != nil {
		return nil, err
	}
	dev, err := device.SelectDevice(rt)
	if err != nil {
		return nil, err
	}
	source, err := kernels.Source(cfg.Kernel.Path)
	if err != nil {
		return nil, err
	}
	policy, err := pipeline.ParsePolicy(cfg.Dispatch.Policy, cfg.Dispatch.Tile)
	if err != nil {
		return nil, err
	}

	info := dev.Info()
	log.Info().
		Str("runtime", rt.Name()).
		Str("device", info.Name).
		Str("type", info.Type.String()).
		Str("policy", policy.Name()).
		Str("blas", device.BLASBackend).
		Msg("Driver ready")

	return pipeline.NewDriver(dev, source,
		pipeline.WithPolicy(policy),
		pipeline.WithKernelName(cfg.Kernel.Name),
	), nil
}

func runMultiply(ctx context.Context, cfg *config.Config, in runInput, w io.Writer) error {
	format, err := matrix.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	lhs, rhs, err := in.operands()
	if err != nil {
		return err
	}
	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}

	product, err := driver.Multiply(ctx, lhs, rhs)
	if err != nil {
		return err
	}
	if in.verify {
		if err := verify(lhs, rhs, product); err != nil {
			return err
		}
	}
	return matrix.Encode(w, product, format)
}

// verify compares product against the host BLAS reference.
func verify(lhs, rhs, product *matrix.Matrix) error {
	want, err := matrix.Reference(lhs, rhs)
	if err != nil {
		return err
	}
	diff, err := matrix.MaxAbsDiff(product, want)
	if err != nil {
		return err
	}
	if math.IsNaN(diff) || diff > verifyTolerance {
		return fmt.Errorf("verify: max abs difference %g exceeds %g", diff, verifyTolerance)
	}
	log.Info().Float64("max_abs_diff", diff).Msg("Product matches reference")
	return nil
}

func listDevices(rt device.Runtime, w io.Writer) error {
	platforms, err := rt.Platforms()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PLATFORM\tDEVICE\tTYPE\tUNITS\tMEMORY\tMAX ALLOC\n")
	for _, p := range platforms {
		devices, err := p.Devices(device.TypeAll)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", p.Name())
		}
		for _, d := range devices {
			info := d.Info()
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
				p.Name(), info.Name, info.Type, info.ComputeUnits, info.GlobalMemory, info.MaxAllocation)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if selected, err := device.SelectDevice(rt); err == nil {
		fmt.Fprintf(w, "selected: %s\n", selected.Info().Name)
	}
	return nil
}

// exchange multiplies on a remote Flight server.
func exchange(ctx context.Context, addr string, in runInput, format string, w io.Writer) error {
	f, err := matrix.ParseFormat(format)
	if err != nil {
		return err
	}
	lhs, rhs, err := in.operands()
	if err != nil {
		return err
	}

	c, err := client.NewFlightClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer c.Close()

	product, err := c.Multiply(ctx, lhs, rhs)
	if err != nil {
		return err
	}
	return matrix.Encode(w, product, f)
}
