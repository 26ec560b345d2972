package main

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-clmatmul/internal/cache"
	"github.com/23skdu/longbow-clmatmul/internal/client"
	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// datasetCapacity is the number of matrices kept per DoPut dataset.
const datasetCapacity = 64

// MatmulFlightServer multiplies over DoExchange and keeps the matrices it
// receives over DoPut so they can be read back with DoGet. Exchanges share
// admission, limits and forwarding with the HTTP Server.
type MatmulFlightServer struct {
	flight.BaseFlightServer
	srv      *Server
	datasets cache.MatrixCache
	alloc    memory.Allocator
}

func NewMatmulFlightServer(srv *Server, maxDatasets int) *MatmulFlightServer {
	return &MatmulFlightServer{
		srv:      srv,
		datasets: cache.NewMapCache(datasetCapacity, maxDatasets),
		alloc:    memory.NewGoAllocator(),
	}
}

// DoExchange reads lhs and rhs records and answers with their product.
func (s *MatmulFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "exchange: %v", err)
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil && desc.Type == flight.DescriptorCMD &&
		string(desc.Cmd) != client.ExchangeMultiply {
		return status.Errorf(codes.Unimplemented, "exchange: unknown command %q", desc.Cmd)
	}

	operands, err := client.ReadMatrices(reader, 2)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "exchange: %v", err)
	}

	product, _, err := s.srv.multiply(ctx, operands[0], operands[1])
	if err != nil {
		span.RecordError(err)
		return status.Error(grpcCode(err), device.Diagnostic(err))
	}

	w := client.NewMatrixWriter(s.alloc, stream)
	if err := w.Write(product); err != nil {
		return err
	}
	log.Debug().Int("rows", product.Rows()).Int("cols", product.Cols()).Msg("DoExchange answered")
	return w.Close()
}

// DoPut appends received matrices to the dataset named by the descriptor path.
func (s *MatmulFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	dataset := "default"
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		dataset = desc.Path[0]
	}

	for reader.Next() {
		m, err := matrix.FromRecord(reader.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "put: %v", err)
		}
		s.datasets.Put(dataset, m)
		log.Info().Str("dataset", dataset).Int("rows", m.Rows()).Int("cols", m.Cols()).Msg("DoPut received matrix")
	}
	return reader.Err()
}

// DoGet streams the matrices stored under the ticket's dataset name.
func (s *MatmulFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ms, ok := s.datasets.Get(string(tkt.Ticket))
	if !ok {
		return status.Errorf(codes.NotFound, "dataset %q not found", tkt.Ticket)
	}

	w := client.NewMatrixWriter(s.alloc, stream)
	for _, m := range ms {
		if err := w.Write(m); err != nil {
			return err
		}
	}
	return w.Close()
}

// Dataset returns the matrices stored under name, nil when there are none.
func (s *MatmulFlightServer) Dataset(name string) []*matrix.Matrix {
	ms, _ := s.datasets.Get(name)
	return ms
}

func grpcCode(err error) codes.Code {
	switch device.KindOf(err) {
	case device.KindShapeMismatch:
		return codes.InvalidArgument
	case device.KindAllocation:
		return codes.ResourceExhausted
	case device.KindNoPlatform, device.KindNoDevice:
		return codes.Unavailable
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// NewFlightServer binds a Flight server multiplying through srv on addr. The
// caller runs Serve and later Shutdown.
func NewFlightServer(srv *Server, addr string, maxDatasets int) (flight.Server, error) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewMatmulFlightServer(srv, maxDatasets))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	return server, nil
}
