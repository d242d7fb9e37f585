// Package sqs consumes order commands from an Amazon SQS queue.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/platform/awsconf"
)

// maxWait is the longest long poll SQS allows.
const maxWait = 20 * time.Second

// API is the subset of the SQS client the queue uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Config selects the queue and its polling behaviour.
type Config struct {
	AWS               awsconf.Options
	QueueURL          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Queue receives one message per long poll.
type Queue struct {
	api        API
	url        string
	wait       int32
	visibility int32
}

// New builds an SQS client from cfg.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs: queue url is required")
	}
	awsCfg, err := awsconf.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("sqs: %w", err)
	}
	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if ep := cfg.AWS.EndpointURL(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewQueue(client, cfg), nil
}

// NewQueue wraps an existing client.
func NewQueue(api API, cfg Config) *Queue {
	wait := cfg.WaitTime
	if wait > maxWait {
		wait = maxWait
	}
	if wait < 0 {
		wait = 0
	}
	return &Queue{
		api:        api,
		url:        cfg.QueueURL,
		wait:       int32(wait / time.Second),
		visibility: int32(cfg.VisibilityTimeout / time.Second),
	}
}

// Receive long-polls for at most one message.
func (q *Queue) Receive(ctx context.Context) ([]domain.QueueMessage, error) {
	out, err := q.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: receive: %w", err)
	}

	msgs := make([]domain.QueueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, domain.QueueMessage{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  count,
		})
	}
	return msgs, nil
}

// Delete removes the message by its receipt handle.
func (q *Queue) Delete(ctx context.Context, msg domain.QueueMessage) error {
	_, err := q.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete %s: %w", msg.ID, err)
	}
	return nil
}
