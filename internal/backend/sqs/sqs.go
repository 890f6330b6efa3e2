package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

// maxBatchSize is the largest MaxNumberOfMessages SQS accepts
const maxBatchSize = 10

// API error codes meaning the receipt handle is no longer usable
var unknownHandleCodes = map[string]bool{
	"ReceiptHandleIsInvalid":                        true,
	"MessageNotInflight":                            true,
	"AWS.SimpleQueueService.MessageNotInflight":     true,
	"AWS.SimpleQueueService.ReceiptHandleIsInvalid": true,
}

// sqsClient defines the interface for SQS operations
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Config holds SQS-specific configuration
type Config struct {
	Region   string
	Endpoint string

	// VisibilityTimeout overrides the queue default on receive when positive
	VisibilityTimeout int32
}

var _ broker.QueueBackend = (*Backend)(nil)

// Backend implements broker.QueueBackend for AWS SQS
type Backend struct {
	client            sqsClient
	baseURL           string
	visibilityTimeout int32
	logger            *slog.Logger

	mu            sync.Mutex
	queueURLCache map[string]string
}

// New creates an SQS backend
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	// Load AWS config with IRSA support (pod identity)
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for LocalStack or other SQS-compatible services
	var client *sqs.Client
	if cfg.Endpoint != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	return newBackend(client, cfg, logger), nil
}

func newBackend(client sqsClient, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:            client,
		baseURL:           cfg.Endpoint,
		visibilityTimeout: cfg.VisibilityTimeout,
		logger:            logger.With("component", "sqs-backend"),
		queueURLCache:     make(map[string]string),
	}
}

// resolveQueueURL turns a queue name into a queue URL; URLs pass through unchanged
func (b *Backend) resolveQueueURL(ctx context.Context, queueRef string) (string, error) {
	if strings.HasPrefix(queueRef, "https://") || strings.HasPrefix(queueRef, "http://") {
		return queueRef, nil
	}

	b.mu.Lock()
	url, ok := b.queueURLCache[queueRef]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	b.logger.Debug("Resolving SQS queue URL", "queue", queueRef, "baseURL", b.baseURL)

	result, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueRef),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queueRef, classify(err))
	}

	queueURL := b.rewriteHost(aws.ToString(result.QueueUrl))

	b.mu.Lock()
	b.queueURLCache[queueRef] = queueURL
	b.mu.Unlock()

	b.logger.Debug("Cached SQS queue URL", "queue", queueRef, "url", queueURL)
	return queueURL, nil
}

// rewriteHost points a queue URL at the configured endpoint.
// LocalStack returns virtual-host style URLs that do not resolve inside
// Docker networks.
func (b *Backend) rewriteHost(queueURL string) string {
	if b.baseURL == "" {
		return queueURL
	}
	// Format: http://host:port/account-id/queue-name
	parts := strings.Split(queueURL, "/")
	if len(parts) < 5 {
		b.logger.Warn("Unable to reconstruct URL - insufficient parts", "url", queueURL, "numParts", len(parts))
		return queueURL
	}
	accountID := parts[len(parts)-2]
	queue := parts[len(parts)-1]
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(b.baseURL, "/"), accountID, queue)
}

// Receive fetches up to maxMessages messages with long polling
func (b *Backend) Receive(ctx context.Context, queueRef string, maxMessages, waitSeconds int) ([]broker.RawMessage, error) {
	queueURL, err := b.resolveQueueURL(ctx, queueRef)
	if err != nil {
		return nil, err
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         clampBatch(maxMessages),
		WaitTimeSeconds:             int32(max(waitSeconds, 0)),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if b.visibilityTimeout > 0 {
		input.VisibilityTimeout = b.visibilityTimeout
	}

	resp, err := b.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from SQS: %w", classify(err))
	}
	if resp == nil || len(resp.Messages) == 0 {
		return nil, nil
	}

	raws := make([]broker.RawMessage, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg.ReceiptHandle == nil {
			b.logger.Warn("Skipping SQS message without receipt handle", "queue", queueRef, "messageId", aws.ToString(msg.MessageId))
			continue
		}
		raws = append(raws, broker.RawMessage{
			Handle:     aws.ToString(msg.ReceiptHandle),
			Body:       []byte(aws.ToString(msg.Body)),
			MessageID:  aws.ToString(msg.MessageId),
			Attributes: attributes(msg),
		})
	}

	b.logger.Debug("Received messages from SQS", "queue", queueRef, "count", len(raws))
	return raws, nil
}

// Delete removes a message by receipt handle
func (b *Backend) Delete(ctx context.Context, queueRef, handle string) error {
	queueURL, err := b.resolveQueueURL(ctx, queueRef)
	if err != nil {
		return err
	}

	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", classifyHandle(handle, err))
	}
	return nil
}

// ChangeVisibility updates the visibility timeout of an in-flight message
func (b *Backend) ChangeVisibility(ctx context.Context, queueRef, handle string, timeoutSeconds int) error {
	queueURL, err := b.resolveQueueURL(ctx, queueRef)
	if err != nil {
		return err
	}

	_, err = b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(timeoutSeconds),
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", classifyHandle(handle, err))
	}
	return nil
}

// Send publishes a message and returns its SQS message id
func (b *Backend) Send(ctx context.Context, queueRef string, body []byte) (string, error) {
	queueURL, err := b.resolveQueueURL(ctx, queueRef)
	if err != nil {
		return "", err
	}

	resp, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send to SQS: %w", classify(err))
	}
	return aws.ToString(resp.MessageId), nil
}

func clampBatch(n int) int32 {
	if n < 1 {
		return 1
	}
	if n > maxBatchSize {
		return maxBatchSize
	}
	return int32(n)
}

func attributes(msg types.Message) map[string]string {
	if len(msg.MessageAttributes) == 0 && len(msg.Attributes) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(msg.MessageAttributes)+len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = aws.ToString(v.StringValue)
		}
	}
	return attrs
}

// classify marks failures that never produced an API response as unavailability
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return broker.Unavailable(err)
}

// classifyHandle maps handle failures to broker.ErrUnknownHandle. SQS also
// reports an expired receipt as InvalidParameterValue, a code shared with
// genuine parameter errors, so that code only counts when the message names
// the receipt handle.
func classifyHandle(handle string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if unknownHandleCodes[code] {
			return broker.UnknownHandle(handle, err)
		}
		if code == "InvalidParameterValue" && strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipt handle") {
			return broker.UnknownHandle(handle, err)
		}
	}
	var notInflight *types.MessageNotInflight
	var invalidHandle *types.ReceiptHandleIsInvalid
	if errors.As(err, &notInflight) || errors.As(err, &invalidHandle) {
		return broker.UnknownHandle(handle, err)
	}
	return classify(err)
}
