package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient talks to a clmatmul Flight server, or any Flight server that
// accepts matrix records.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	mem    memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
		mem:    memory.NewGoAllocator(),
	}, nil
}

// DoPut stores m under the dataset path on the server.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, m *matrix.Matrix) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	w := NewMatrixWriter(c.mem, stream)
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := w.Write(m); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// wait for the server to acknowledge the stream
	for {
		if _, err := stream.Recv(); err != nil {
			return ignoreEOF(err)
		}
	}
}

// Multiply sends lhs and rhs over DoExchange and returns the product the
// server computes.
func (c *FlightClient) Multiply(ctx context.Context, lhs, rhs *matrix.Matrix) (*matrix.Matrix, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	w := NewMatrixWriter(c.mem, stream)
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte(ExchangeMultiply)})
	for _, m := range []*matrix.Matrix{lhs, rhs} {
		if err := w.Write(m); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("client: exchange reply: %w", err)
	}
	defer r.Release()

	ms, err := ReadMatrices(r, 1)
	if err != nil {
		return nil, err
	}
	return ms[0], nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// ExchangeMultiply is the DoExchange command for a two-operand multiply.
const ExchangeMultiply = "multiply"

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
