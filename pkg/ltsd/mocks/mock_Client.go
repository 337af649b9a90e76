// Package mocks provides test doubles for the ltsd client.
package mocks

import (
	"context"

	ltsd "github.com/sells-group/origin-engine/pkg/ltsd"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Evaluate provides a mock function with given fields: ctx, req
func (_m *MockClient) Evaluate(ctx context.Context, req ltsd.EvaluationRequest) (*ltsd.EvaluationResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Evaluate")
	}

	var r0 *ltsd.EvaluationResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, ltsd.EvaluationRequest) (*ltsd.EvaluationResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, ltsd.EvaluationRequest) *ltsd.EvaluationResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*ltsd.EvaluationResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, ltsd.EvaluationRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Generate provides a mock function with given fields: ctx, req
func (_m *MockClient) Generate(ctx context.Context, req ltsd.CertificateRequest) (*ltsd.Document, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Generate")
	}

	var r0 *ltsd.Document
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, ltsd.CertificateRequest) (*ltsd.Document, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, ltsd.CertificateRequest) *ltsd.Document); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*ltsd.Document)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, ltsd.CertificateRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
