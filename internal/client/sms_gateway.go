package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ErrGateway wraps every failure reported by an SMS provider.
var ErrGateway = errors.New("sms gateway error")

// SNSPublisher is the subset of the SNS client used to send SMS.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSGateway sends SMS messages via AWS SNS.
type SNSGateway struct {
	client SNSPublisher
	logger *logrus.Logger
}

func NewSNSGateway(client SNSPublisher, logger *logrus.Logger) *SNSGateway {
	return &SNSGateway{client: client, logger: logger}
}

func (g *SNSGateway) Send(ctx context.Context, to, from, body string) (string, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(body),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	}
	if from != "" {
		input.MessageAttributes["AWS.MM.SMS.OriginationNumber"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(from),
		}
	}

	out, err := g.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: sns publish: %w", ErrGateway, err)
	}
	return aws.ToString(out.MessageId), nil
}

// LogGateway writes messages to the log instead of delivering them.
// Used for local development.
type LogGateway struct {
	logger      *logrus.Logger
	includeBody bool
}

func NewLogGateway(logger *logrus.Logger, includeBody bool) *LogGateway {
	return &LogGateway{logger: logger, includeBody: includeBody}
}

func (g *LogGateway) Send(ctx context.Context, to, from, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrGateway, err)
	}

	messageID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	fields := logrus.Fields{
		"to":         to,
		"from":       from,
		"message_id": messageID,
	}
	if g.includeBody {
		fields["body"] = body
	}
	g.logger.WithFields(fields).Info("SMS sent (logged for development)")

	return messageID, nil
}
