package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/sirupsen/logrus"
)

// DynamoAPI is the subset of the DynamoDB client used by UserRepository.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// UserRepository is a user directory backed by a single DynamoDB table.
// Conditional-check failures surface as conflict/not-found, every other
// DynamoDB error as ErrDownstreamUnavailable so callers may retry. Each call
// is bounded by timeout.
type UserRepository struct {
	client    DynamoAPI
	tableName string
	hasher    password.Hasher
	timeout   time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewUserRepository(client DynamoAPI, tableName string, hasher password.Hasher, timeout time.Duration, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		hasher:    hasher,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *UserRepository) key(phone string) map[string]types.AttributeValue {
	user := &models.User{PhoneNumber: phone}
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
		"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
	}
}

func (r *UserRepository) CheckExists(ctx context.Context, phone string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(r.tableName),
		Key:                  r.key(phone),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to check user in DynamoDB")
		return false, dynamoUnavailable("check user", err)
	}
	return result.Item != nil, nil
}

func (r *UserRepository) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(phone),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, dynamoUnavailable("get user", err)
	}

	if result.Item == nil {
		return nil, models.ErrUserNotFound
	}

	var user models.User
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (r *UserRepository) Register(ctx context.Context, reg models.Registration) (*models.User, error) {
	hash, err := r.hasher.Hash(reg.Password)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	user := &models.User{
		PhoneNumber:  reg.Phone,
		Email:        reg.Email,
		Name:         reg.Name,
		PasswordHash: hash,
		Status:       reg.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return nil, fmt.Errorf("failed to marshal user: %w", err)
	}

	for k, v := range r.key(user.PhoneNumber) {
		item[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, models.ErrUserConflict
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return nil, dynamoUnavailable("create user", err)
	}

	return user, nil
}

func (r *UserRepository) UpdateStatus(ctx context.Context, phone, status string) error {
	return r.update(ctx, phone, "#status", "status", status)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, phone, plain string) error {
	hash, err := r.hasher.Hash(plain)
	if err != nil {
		return err
	}
	return r.update(ctx, phone, "#password_hash", "password_hash", hash)
}

func (r *UserRepository) update(ctx context.Context, phone, placeholder, attribute, value string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(phone),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String(fmt.Sprintf("SET %s = :value, updated_at = :updated_at", placeholder)),
		ExpressionAttributeNames: map[string]string{
			placeholder: attribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value":      &types.AttributeValueMemberS{Value: value},
			":updated_at": &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.ErrUserNotFound
		}
		r.logger.WithError(err).WithField("attribute", attribute).Error("Failed to update user in DynamoDB")
		return dynamoUnavailable("update user", err)
	}
	return nil
}

func dynamoUnavailable(op string, err error) error {
	return fmt.Errorf("%w: dynamodb %s: %w", models.ErrDownstreamUnavailable, op, err)
}
