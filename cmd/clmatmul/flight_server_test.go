package main

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-clmatmul/internal/client"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func startFlightServer(t *testing.T, srv *Server) (*MatmulFlightServer, string) {
	t.Helper()
	svc := NewMatmulFlightServer(srv, 4)
	server := flight.NewFlightServer()
	server.RegisterFlightService(svc)
	require.NoError(t, server.Init("127.0.0.1:0"))
	go func() { _ = server.Serve() }()
	t.Cleanup(server.Shutdown)
	return svc, server.Addr().String()
}

func TestFlightServer_Exchange(t *testing.T) {
	_, addr := startFlightServer(t, NewServer(hostDriver(t), nil, 2))
	c, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	lhs, rhs := canonicalOperands()
	out, err := c.Multiply(context.Background(), lhs, rhs)
	require.NoError(t, err)
	assert.True(t, isCanonicalProduct(out))

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := c.Multiply(context.Background(), lhs, lhs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Cannot multiply 2x3 by 2x3")
	})
}

func TestFlightServer_ExchangeForwards(t *testing.T) {
	fwd := &mockForwarder{}
	fwd.On("Forward", mock.Anything, mock.MatchedBy(isCanonicalProduct)).Return(nil).Once()
	_, addr := startFlightServer(t, NewServer(hostDriver(t), fwd, 2))
	c, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	lhs, rhs := canonicalOperands()
	out, err := c.Multiply(context.Background(), lhs, rhs)
	require.NoError(t, err)
	assert.True(t, isCanonicalProduct(out))
	fwd.AssertExpectations(t)
}

func TestFlightServer_ExchangeResultLimit(t *testing.T) {
	mm := &mockMultiplier{}
	fwd := &mockForwarder{}
	_, addr := startFlightServer(t, NewServer(mm, fwd, 2, WithMaxResultElements(1024)))
	c, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Multiply(context.Background(), matrix.Zero(64, 1), matrix.Zero(1, 64))
	require.Error(t, err)
	assert.Contains(t, err.Error(), codes.ResourceExhausted.String())
	assert.Contains(t, err.Error(), "A 64x64 result exceeds the server limit")
	mm.AssertNotCalled(t, "Multiply", mock.Anything, mock.Anything, mock.Anything)
	fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
}

func TestFlightServer_PutAndGet(t *testing.T) {
	svc, addr := startFlightServer(t, NewServer(hostDriver(t), nil, 2))
	c, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	first := matrix.MustNew(1, 2, []float32{1, 2})
	second := matrix.MustNew(2, 1, []float32{3, 4})
	require.NoError(t, c.DoPut(context.Background(), "products", first))
	require.NoError(t, c.DoPut(context.Background(), "products", second))

	stored := svc.Dataset("products")
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Equal(first))
	assert.True(t, stored[1].Equal(second))
	assert.Nil(t, svc.Dataset("missing"))

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	stream, err := fc.DoGet(context.Background(), &flight.Ticket{Ticket: []byte("products")})
	require.NoError(t, err)
	r, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer r.Release()

	got, err := client.ReadMatrices(r, 2)
	require.NoError(t, err)
	assert.True(t, got[0].Equal(first))
	assert.True(t, got[1].Equal(second))
}

func TestFlightServer_DoGetUnknownDataset(t *testing.T) {
	_, addr := startFlightServer(t, NewServer(hostDriver(t), nil, 2))
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	stream, err := fc.DoGet(context.Background(), &flight.Ticket{Ticket: []byte("missing")})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
