package services

import (
	"context"

	"github.com/fdip/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreatePaymentIntent(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentIntent), args.Error(1)
}

func (m *MockGateway) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Payout), args.Error(1)
}

type MockChapterDirectory struct {
	mock.Mock
}

func (m *MockChapterDirectory) AuthorOf(ctx context.Context, chapterID string) (string, models.Role, error) {
	args := m.Called(ctx, chapterID)
	return args.String(0), args.Get(1).(models.Role), args.Error(2)
}
