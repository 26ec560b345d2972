package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/kernels"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/23skdu/longbow-clmatmul/internal/pipeline"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, product *matrix.Matrix) error {
	args := m.Called(ctx, product)
	return args.Error(0)
}

func (m *mockForwarder) Close() error {
	return nil
}

type mockMultiplier struct {
	mock.Mock
}

func (m *mockMultiplier) Multiply(ctx context.Context, lhs, rhs *matrix.Matrix) (*matrix.Matrix, error) {
	args := m.Called(ctx, lhs, rhs)
	out, _ := args.Get(0).(*matrix.Matrix)
	return out, args.Error(1)
}

func hostDriver(t *testing.T) *pipeline.Driver {
	t.Helper()
	dev, err := device.SelectDevice(device.NewHostRuntime())
	require.NoError(t, err)
	return pipeline.NewDriver(dev, kernels.MatMul)
}

func multiplyBody(t *testing.T, lhs, rhs *matrix.Matrix) []byte {
	t.Helper()
	data, err := cbor.Marshal(multiplyRequest{LHS: lhs, RHS: rhs})
	require.NoError(t, err)
	return data
}

func isCanonicalProduct(m *matrix.Matrix) bool {
	return m.Equal(matrix.MustNew(2, 2, []float32{58, 64, 139, 154}))
}

func TestServer_Multiply(t *testing.T) {
	lhs, rhs := canonicalOperands()

	t.Run("CBOR with forwarding", func(t *testing.T) {
		fwd := &mockForwarder{}
		fwd.On("Forward", mock.Anything, mock.MatchedBy(isCanonicalProduct)).Return(nil)
		srv := NewServer(hostDriver(t), fwd, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, contentTypeCBOR, rr.Header().Get("Content-Type"))
		out, err := matrix.ReadCBOR(rr.Body)
		require.NoError(t, err)
		assert.True(t, isCanonicalProduct(out))
		fwd.AssertExpectations(t)
	})

	t.Run("text format", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply?format=text", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "\n58 64 \n139 154 \n", rr.Body.String())
	})

	t.Run("forward failure does not fail the request", func(t *testing.T) {
		fwd := &mockForwarder{}
		fwd.On("Forward", mock.Anything, mock.Anything).Return(errors.New("downstream unavailable"))
		srv := NewServer(hostDriver(t), fwd, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		fwd.AssertExpectations(t)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		fwd := &mockForwarder{}
		srv := NewServer(hostDriver(t), fwd, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, lhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Contains(t, rr.Body.String(), "Cannot multiply 2x3 by 2x3")
		assert.Contains(t, rr.Body.String(), "ShapeMismatchError")
		fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
	})

	t.Run("bad body", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing operand", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 2)

		data, err := cbor.Marshal(map[string]*matrix.Matrix{"lhs": lhs})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown format", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 2)

		req := httptest.NewRequest(http.MethodPost, "/multiply?format=xml", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 2)

		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/multiply", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestServer_MultiplyArrow(t *testing.T) {
	lhs, rhs := canonicalOperands()
	srv := NewServer(hostDriver(t), nil, 2)

	var body bytes.Buffer
	require.NoError(t, matrix.WriteArrow(&body, lhs, rhs))

	req := httptest.NewRequest(http.MethodPost, "/multiply/arrow", &body)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, contentTypeArrow, rr.Header().Get("Content-Type"))
	out, err := matrix.ReadArrow(rr.Body)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, isCanonicalProduct(out[0]))

	t.Run("one operand", func(t *testing.T) {
		var body bytes.Buffer
		require.NoError(t, matrix.WriteArrow(&body, lhs))

		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/multiply/arrow", &body))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServer_Admission(t *testing.T) {
	lhs, rhs := canonicalOperands()
	mm := &mockMultiplier{}
	srv := NewServer(mm, nil, 1)

	// hold the only slot
	require.NoError(t, srv.sem.Acquire(context.Background(), 1))
	defer srv.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs))).WithContext(ctx)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	mm.AssertNotCalled(t, "Multiply", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_MultiplierErrors(t *testing.T) {
	lhs, rhs := canonicalOperands()
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"no device", device.NewError(device.KindNoDevice, "SelectDevice", "devices > 0", "No device", nil), http.StatusServiceUnavailable},
		{"build", device.NewError(device.KindBuild, "Compile", "build succeeds", "Build failed", nil), http.StatusInternalServerError},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
		{"allocation", device.NewError(device.KindAllocation, "CreateBuffer", "bytes <= max allocation", "Too large", nil), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm := &mockMultiplier{}
			mm.On("Multiply", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)
			srv := NewServer(mm, nil, 1)

			req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs)))
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tt.code, rr.Code)
			mm.AssertExpectations(t)
		})
	}
}

func TestServer_Limits(t *testing.T) {
	// an n x 0 by 0 x n product has an n x n result from an empty body
	n := 8192
	wide, tall := matrix.Zero(n, 0), matrix.Zero(0, n)

	t.Run("result element limit", func(t *testing.T) {
		mm := &mockMultiplier{}
		fwd := &mockForwarder{}
		srv := NewServer(mm, fwd, 1)

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, wide, tall)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Contains(t, rr.Body.String(), "A 8192x8192 result exceeds the server limit")
		assert.Contains(t, rr.Body.String(), "AllocationError")
		mm.AssertNotCalled(t, "Multiply", mock.Anything, mock.Anything, mock.Anything)
		fwd.AssertNotCalled(t, "Forward", mock.Anything, mock.Anything)
	})

	t.Run("device allocation limit", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 1, WithMaxResultElements(1<<40))

		big := 1 << 14
		req := httptest.NewRequest(http.MethodPost, "/multiply",
			bytes.NewReader(multiplyBody(t, matrix.Zero(big, 0), matrix.Zero(0, big))))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Contains(t, rr.Body.String(), "the device allows")
	})

	t.Run("result within limit", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 1, WithMaxResultElements(4))
		lhs, rhs := canonicalOperands()

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("body limit", func(t *testing.T) {
		mm := &mockMultiplier{}
		srv := NewServer(mm, nil, 1, WithMaxBodyBytes(16))
		lhs, rhs := canonicalOperands()

		req := httptest.NewRequest(http.MethodPost, "/multiply", bytes.NewReader(multiplyBody(t, lhs, rhs)))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Contains(t, rr.Body.String(), "body exceeds 16 bytes")
		mm.AssertNotCalled(t, "Multiply", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("arrow body limit", func(t *testing.T) {
		srv := NewServer(hostDriver(t), nil, 1, WithMaxBodyBytes(16))
		lhs, rhs := canonicalOperands()

		var body bytes.Buffer
		require.NoError(t, matrix.WriteArrow(&body, lhs, rhs))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/multiply/arrow", &body))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(nil, nil, 1)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	srv := NewServer(nil, nil, 1)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clmatmul_request_duration_seconds")
}
