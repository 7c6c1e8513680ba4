package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockDynamo struct{ mock.Mock }

func (m *mockDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	if out, _ := args.Get(0).(*dynamodb.GetItemOutput); out != nil {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	if out, _ := args.Get(0).(*dynamodb.PutItemOutput); out != nil {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	if out, _ := args.Get(0).(*dynamodb.UpdateItemOutput); out != nil {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func newUserRepo(db *mockDynamo) *UserRepository {
	return NewUserRepository(db, "users", password.NewBcrypt(bcrypt.MinCost), 10*time.Second, testLogger())
}

// hasDeadline matches contexts bounded by the repository timeout.
func hasDeadline(max time.Duration) func(context.Context) bool {
	return func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= max
	}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func TestUserRepository_FindByPhone(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)

	item, err := attributevalue.MarshalMap(models.User{PhoneNumber: "+84912345678", Name: "Lan", PasswordHash: "h"})
	require.NoError(t, err)

	db.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return pkOf(in.Key) == "USER!+84912345678"
	})).Return(&dynamodb.GetItemOutput{Item: item}, nil)

	u, err := repo.FindByPhone(context.Background(), "+84912345678")
	require.NoError(t, err)
	assert.Equal(t, "Lan", u.Name)
	assert.Equal(t, "h", u.PasswordHash)
}

func TestUserRepository_FindByPhone_NotFound(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)
	db.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	_, err := repo.FindByPhone(context.Background(), "+84900000000")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestUserRepository_CheckExists(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)
	db.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "USER!+84900000000"}},
	}, nil).Once()
	db.On("GetItem", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

	exists, err := repo.CheckExists(context.Background(), "+84900000000")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = repo.CheckExists(context.Background(), "+84900000000")
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)
}

func TestUserRepository_Register(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)

	var stored map[string]types.AttributeValue
	db.On("PutItem", mock.Anything, mock.AnythingOfType("*dynamodb.PutItemInput")).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(*dynamodb.PutItemInput).Item
		}).
		Return(&dynamodb.PutItemOutput{}, nil)

	u, err := repo.Register(context.Background(), models.Registration{
		Phone: "+84912345678", Email: "+84912345678@zalo.com", Password: "secret1", Name: "Lan", Status: models.StatusOnline,
	})
	require.NoError(t, err)
	assert.Equal(t, "USER!+84912345678", pkOf(stored))
	assert.NotEqual(t, "secret1", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("secret1")))
}

func TestUserRepository_Register_Conflict(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)
	db.On("PutItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	_, err := repo.Register(context.Background(), models.Registration{Phone: "+84912345678", Password: "secret1"})
	assert.ErrorIs(t, err, models.ErrUserConflict)
}

func TestUserRepository_UpdateStatus(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)
	db.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return in.ExpressionAttributeNames["#status"] == "status" &&
			in.ExpressionAttributeValues[":value"].(*types.AttributeValueMemberS).Value == "away"
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()
	db.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{}).Once()

	require.NoError(t, repo.UpdateStatus(context.Background(), "+84912345678", "away"))

	err := repo.UpdateStatus(context.Background(), "+84900000000", "away")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
	db.AssertExpectations(t)
}

func TestUserRepository_CallsAreBounded(t *testing.T) {
	db := &mockDynamo{}
	repo := newUserRepo(db)
	ctx := context.Background()
	bounded := mock.MatchedBy(hasDeadline(10 * time.Second))

	db.On("GetItem", bounded, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)
	db.On("PutItem", bounded, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)
	db.On("UpdateItem", bounded, mock.Anything).Return(&dynamodb.UpdateItemOutput{}, nil)

	_, err := repo.CheckExists(ctx, "+84912345678")
	require.NoError(t, err)
	_, err = repo.FindByPhone(ctx, "+84912345678")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
	_, err = repo.Register(ctx, models.Registration{Phone: "+84912345678", Password: "secret123", Status: models.StatusOnline})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, "+84912345678", models.StatusAway))

	db.AssertExpectations(t)
}

func TestUserRepository_TimeoutIsUnavailable(t *testing.T) {
	db := &mockDynamo{}
	repo := NewUserRepository(db, "users", password.NewBcrypt(bcrypt.MinCost), 20*time.Millisecond, testLogger())

	db.On("GetItem", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})

	_, err := repo.FindByPhone(context.Background(), "+84912345678")
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
