package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
	"github.com/deliveryhero/asya/asya-consumer/pkg/cache"
	"github.com/deliveryhero/asya/asya-consumer/pkg/provider"
)

const (
	testQueueName = "foo"
	testQueueURL  = "https://sqs.us-east-1.amazonaws.com/123456789012/foo"
)

// mockSQSClient is a mock implementation of the SQS client for testing
type mockSQSClient struct {
	receiveMessageFunc          func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	sendMessageFunc             func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	deleteMessageFunc           func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	changeMessageVisibilityFunc func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	getQueueUrlFunc             func(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveMessageFunc != nil {
		return m.receiveMessageFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteMessageFunc != nil {
		return m.deleteMessageFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if m.changeMessageVisibilityFunc != nil {
		return m.changeMessageVisibilityFunc(ctx, params, optFns...)
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockSQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if m.getQueueUrlFunc != nil {
		return m.getQueueUrlFunc(ctx, params, optFns...)
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
}

func createMockBackend(mockClient *mockSQSClient) *Backend {
	return newBackend(mockClient, Config{Region: "us-east-1"}, nil)
}

func TestBackend_ResolveQueueURL(t *testing.T) {
	ctx := context.Background()

	t.Run("successful resolution via API is cached", func(t *testing.T) {
		callCount := 0
		mockClient := &mockSQSClient{
			getQueueUrlFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
				callCount++
				if *params.QueueName != testQueueName {
					t.Errorf("QueueName = %v, want %v", *params.QueueName, testQueueName)
				}
				return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
			},
		}

		backend := createMockBackend(mockClient)

		for i := 0; i < 2; i++ {
			got, err := backend.resolveQueueURL(ctx, testQueueName)
			if err != nil {
				t.Fatalf("resolveQueueURL() error = %v, want nil", err)
			}
			if got != testQueueURL {
				t.Errorf("resolveQueueURL() = %v, want %v", got, testQueueURL)
			}
		}

		if callCount != 1 {
			t.Errorf("GetQueueUrl called %d times, want 1 (should be cached)", callCount)
		}
	})

	t.Run("queue URL passes through", func(t *testing.T) {
		mockClient := &mockSQSClient{
			getQueueUrlFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
				t.Error("GetQueueUrl should not be called for a full URL")
				return nil, nil
			},
		}

		got, err := createMockBackend(mockClient).resolveQueueURL(ctx, testQueueURL)
		if err != nil {
			t.Fatalf("resolveQueueURL() error = %v", err)
		}
		if got != testQueueURL {
			t.Errorf("resolveQueueURL() = %v, want %v", got, testQueueURL)
		}
	})

	t.Run("custom endpoint rewrites host", func(t *testing.T) {
		mockClient := &mockSQSClient{
			getQueueUrlFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
				return &sqs.GetQueueUrlOutput{
					QueueUrl: aws.String("http://sqs.us-east-1.localhost.localstack.cloud:4566/000000000000/foo"),
				}, nil
			},
		}
		backend := newBackend(mockClient, Config{Region: "us-east-1", Endpoint: "http://localstack:4566/"}, nil)

		got, err := backend.resolveQueueURL(ctx, testQueueName)
		if err != nil {
			t.Fatalf("resolveQueueURL() error = %v", err)
		}
		if want := "http://localstack:4566/000000000000/foo"; got != want {
			t.Errorf("resolveQueueURL() = %v, want %v", got, want)
		}
	})

	t.Run("resolution failure is unavailable", func(t *testing.T) {
		mockClient := &mockSQSClient{
			getQueueUrlFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
		}

		_, err := createMockBackend(mockClient).Receive(ctx, testQueueName, 9, 5)
		if !errors.Is(err, broker.ErrBackendUnavailable) {
			t.Errorf("Receive() error = %v, want ErrBackendUnavailable", err)
		}
	})
}

func TestBackend_Receive(t *testing.T) {
	ctx := context.Background()

	t.Run("receive batch with attributes", func(t *testing.T) {
		mockClient := &mockSQSClient{
			receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
				if *params.QueueUrl != testQueueURL {
					t.Errorf("QueueUrl = %v, want %v", *params.QueueUrl, testQueueURL)
				}
				if params.MaxNumberOfMessages != 9 {
					t.Errorf("MaxNumberOfMessages = %v, want 9", params.MaxNumberOfMessages)
				}
				if params.WaitTimeSeconds != 5 {
					t.Errorf("WaitTimeSeconds = %v, want 5", params.WaitTimeSeconds)
				}
				if params.VisibilityTimeout != 0 {
					t.Errorf("VisibilityTimeout = %v, want queue default", params.VisibilityTimeout)
				}

				return &sqs.ReceiveMessageOutput{
					Messages: []types.Message{
						{
							MessageId:     aws.String("msg-1"),
							Body:          aws.String(`{"test":"message"}`),
							ReceiptHandle: aws.String("receipt-1"),
							Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
							MessageAttributes: map[string]types.MessageAttributeValue{
								"trace_id": {
									DataType:    aws.String("String"),
									StringValue: aws.String("trace-xyz"),
								},
								"blob": {
									DataType:    aws.String("Binary"),
									BinaryValue: []byte{0x1},
								},
							},
						},
						{
							MessageId: aws.String("msg-no-receipt"),
							Body:      aws.String("dropped"),
						},
						{
							MessageId:     aws.String("msg-2"),
							Body:          aws.String("second"),
							ReceiptHandle: aws.String("receipt-2"),
						},
					},
				}, nil
			},
		}

		raws, err := createMockBackend(mockClient).Receive(ctx, testQueueName, 9, 5)
		if err != nil {
			t.Fatalf("Receive() error = %v, want nil", err)
		}
		if len(raws) != 2 {
			t.Fatalf("len(Receive()) = %d, want 2", len(raws))
		}

		first := raws[0]
		if first.Handle != "receipt-1" {
			t.Errorf("Handle = %v, want receipt-1", first.Handle)
		}
		if first.MessageID != "msg-1" {
			t.Errorf("MessageID = %v, want msg-1", first.MessageID)
		}
		if string(first.Body) != `{"test":"message"}` {
			t.Errorf("Body = %v", string(first.Body))
		}
		if first.Attributes["trace_id"] != "trace-xyz" {
			t.Errorf("Attributes[trace_id] = %v, want trace-xyz", first.Attributes["trace_id"])
		}
		if first.Attributes["ApproximateReceiveCount"] != "1" {
			t.Errorf("Attributes[ApproximateReceiveCount] = %v, want 1", first.Attributes["ApproximateReceiveCount"])
		}
		if _, ok := first.Attributes["blob"]; ok {
			t.Error("binary attributes should not be exposed")
		}
		if raws[1].Handle != "receipt-2" {
			t.Errorf("second Handle = %v, want receipt-2", raws[1].Handle)
		}
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		raws, err := createMockBackend(&mockSQSClient{}).Receive(ctx, testQueueName, 9, 5)
		if err != nil {
			t.Errorf("Receive() error = %v, want nil", err)
		}
		if len(raws) != 0 {
			t.Errorf("len(Receive()) = %d, want 0", len(raws))
		}
	})

	t.Run("batch size is clamped", func(t *testing.T) {
		tests := []struct {
			requested int
			want      int32
		}{
			{requested: 0, want: 1},
			{requested: 1, want: 1},
			{requested: 10, want: 10},
			{requested: 25, want: 10},
		}
		for _, tt := range tests {
			var got int32
			mockClient := &mockSQSClient{
				receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
					got = params.MaxNumberOfMessages
					return &sqs.ReceiveMessageOutput{}, nil
				},
			}
			if _, err := createMockBackend(mockClient).Receive(ctx, testQueueName, tt.requested, 0); err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MaxNumberOfMessages for %d = %d, want %d", tt.requested, got, tt.want)
			}
		}
	})

	t.Run("configured visibility timeout", func(t *testing.T) {
		mockClient := &mockSQSClient{
			receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
				if params.VisibilityTimeout != 300 {
					t.Errorf("VisibilityTimeout = %v, want 300", params.VisibilityTimeout)
				}
				return &sqs.ReceiveMessageOutput{}, nil
			},
		}
		backend := newBackend(mockClient, Config{Region: "us-east-1", VisibilityTimeout: 300}, nil)
		if _, err := backend.Receive(ctx, testQueueName, 9, 5); err != nil {
			t.Errorf("Receive() error = %v", err)
		}
	})

	t.Run("context cancellation is not unavailability", func(t *testing.T) {
		mockClient := &mockSQSClient{
			receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
				return nil, ctx.Err()
			},
		}
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := createMockBackend(mockClient).Receive(cancelCtx, testQueueURL, 9, 5)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Receive() error = %v, want context.Canceled", err)
		}
		if errors.Is(err, broker.ErrBackendUnavailable) {
			t.Errorf("Receive() error = %v should not be ErrBackendUnavailable", err)
		}
	})
}

func TestBackend_Delete(t *testing.T) {
	ctx := context.Background()
	receiptHandle := "receipt-handle-123"

	t.Run("successful delete", func(t *testing.T) {
		calls := 0
		mockClient := &mockSQSClient{
			deleteMessageFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
				calls++
				if *params.QueueUrl != testQueueURL {
					t.Errorf("QueueUrl = %v, want %v", *params.QueueUrl, testQueueURL)
				}
				if *params.ReceiptHandle != receiptHandle {
					t.Errorf("ReceiptHandle = %v, want %v", *params.ReceiptHandle, receiptHandle)
				}
				return &sqs.DeleteMessageOutput{}, nil
			},
		}

		if err := createMockBackend(mockClient).Delete(ctx, testQueueName, receiptHandle); err != nil {
			t.Errorf("Delete() error = %v, want nil", err)
		}
		if calls != 1 {
			t.Errorf("DeleteMessage called %d times, want 1", calls)
		}
	})

	t.Run("invalid receipt handle", func(t *testing.T) {
		mockClient := &mockSQSClient{
			deleteMessageFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid", Message: "The input receipt handle is invalid."}
			},
		}

		err := createMockBackend(mockClient).Delete(ctx, testQueueName, "stale")
		if !errors.Is(err, broker.ErrUnknownHandle) {
			t.Errorf("Delete() error = %v, want ErrUnknownHandle", err)
		}
	})

	t.Run("other API errors are passed through", func(t *testing.T) {
		mockClient := &mockSQSClient{
			deleteMessageFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
			},
		}

		err := createMockBackend(mockClient).Delete(ctx, testQueueName, receiptHandle)
		if err == nil {
			t.Fatal("Delete() error = nil, want error")
		}
		if errors.Is(err, broker.ErrUnknownHandle) || errors.Is(err, broker.ErrBackendUnavailable) {
			t.Errorf("Delete() error = %v, want unclassified API error", err)
		}
	})
}

func TestBackend_ChangeVisibility(t *testing.T) {
	ctx := context.Background()
	receiptHandle := "receipt-handle-123"

	t.Run("release with visibility timeout 0", func(t *testing.T) {
		mockClient := &mockSQSClient{
			changeMessageVisibilityFunc: func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
				if *params.QueueUrl != testQueueURL {
					t.Errorf("QueueUrl = %v, want %v", *params.QueueUrl, testQueueURL)
				}
				if *params.ReceiptHandle != receiptHandle {
					t.Errorf("ReceiptHandle = %v, want %v", *params.ReceiptHandle, receiptHandle)
				}
				if params.VisibilityTimeout != 0 {
					t.Errorf("VisibilityTimeout = %v, want 0", params.VisibilityTimeout)
				}
				return &sqs.ChangeMessageVisibilityOutput{}, nil
			},
		}

		if err := createMockBackend(mockClient).ChangeVisibility(ctx, testQueueName, receiptHandle, 0); err != nil {
			t.Errorf("ChangeVisibility() error = %v, want nil", err)
		}
	})

	t.Run("message not in flight", func(t *testing.T) {
		mockClient := &mockSQSClient{
			changeMessageVisibilityFunc: func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
				return nil, &types.MessageNotInflight{Message: aws.String("not in flight")}
			},
		}

		err := createMockBackend(mockClient).ChangeVisibility(ctx, testQueueName, receiptHandle, 0)
		if !errors.Is(err, broker.ErrUnknownHandle) {
			t.Errorf("ChangeVisibility() error = %v, want ErrUnknownHandle", err)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		mockClient := &mockSQSClient{
			changeMessageVisibilityFunc: func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
				return nil, errors.New("connection reset by peer")
			},
		}

		err := createMockBackend(mockClient).ChangeVisibility(ctx, testQueueName, receiptHandle, 0)
		if !errors.Is(err, broker.ErrBackendUnavailable) {
			t.Errorf("ChangeVisibility() error = %v, want ErrBackendUnavailable", err)
		}
	})
}

func TestClassifyHandle_InvalidParameterValue(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantUnknown bool
	}{
		{
			name:        "expired receipt handle",
			message:     "Value stale-handle for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired.",
			wantUnknown: true,
		},
		{
			name:        "visibility timeout out of range",
			message:     "Value 50000 for parameter VisibilityTimeout is invalid. Reason: Must be between 0 and 43200.",
			wantUnknown: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockSQSClient{
				changeMessageVisibilityFunc: func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
					return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: tt.message}
				},
			}

			err := createMockBackend(mockClient).ChangeVisibility(context.Background(), testQueueName, "stale-handle", 0)
			if err == nil {
				t.Fatal("ChangeVisibility() error = nil, want error")
			}
			if got := errors.Is(err, broker.ErrUnknownHandle); got != tt.wantUnknown {
				t.Errorf("errors.Is(err, ErrUnknownHandle) = %v, want %v (err = %v)", got, tt.wantUnknown, err)
			}
			if errors.Is(err, broker.ErrBackendUnavailable) {
				t.Errorf("ChangeVisibility() error = %v should not be ErrBackendUnavailable", err)
			}
		})
	}
}

func TestBackend_Send(t *testing.T) {
	messageBody := []byte(`{"test":"message"}`)
	mockClient := &mockSQSClient{
		sendMessageFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			if *params.QueueUrl != testQueueURL {
				t.Errorf("QueueUrl = %v, want %v", *params.QueueUrl, testQueueURL)
			}
			if *params.MessageBody != string(messageBody) {
				t.Errorf("MessageBody = %v, want %v", *params.MessageBody, string(messageBody))
			}
			return &sqs.SendMessageOutput{MessageId: aws.String("msg-123")}, nil
		},
	}

	id, err := createMockBackend(mockClient).Send(context.Background(), testQueueName, messageBody)
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if id != "msg-123" {
		t.Errorf("Send() id = %v, want msg-123", id)
	}
}

func TestBackend_WithProvider(t *testing.T) {
	ctx := context.Background()
	var deleted, released []string
	mockClient := &mockSQSClient{
		receiveMessageFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			if params.MaxNumberOfMessages != 9 || params.WaitTimeSeconds != 5 {
				t.Errorf("receive params = {%d, %d}, want {9, 5}", params.MaxNumberOfMessages, params.WaitTimeSeconds)
			}
			return &sqs.ReceiveMessageOutput{
				Messages: []types.Message{
					{Body: aws.String("Body"), ReceiptHandle: aws.String("bar")},
					{Body: aws.String("x"), ReceiptHandle: aws.String("h")},
				},
			}, nil
		},
		deleteMessageFunc: func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			deleted = append(deleted, *params.ReceiptHandle)
			return &sqs.DeleteMessageOutput{}, nil
		},
		changeMessageVisibilityFunc: func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
			released = append(released, *params.ReceiptHandle)
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		},
	}

	p, err := provider.New(createMockBackend(mockClient), testQueueName, cache.NewPrefetchCache(0))
	if err != nil {
		t.Fatalf("provider.New() error = %v", err)
	}

	first, err := p.Get(ctx)
	if err != nil || first == nil {
		t.Fatalf("Get() = %v, %v", first, err)
	}
	if first.ID != "bar" || string(first.Body) != "Body" {
		t.Errorf("Get() = {%v, %s}, want {bar, Body}", first.ID, first.Body)
	}

	second, err := p.Get(ctx)
	if err != nil || second == nil {
		t.Fatalf("Get() = %v, %v", second, err)
	}
	if second.ID != "h" || string(second.Body) != "x" {
		t.Errorf("Get() = {%v, %s}, want {h, x}", second.ID, second.Body)
	}

	if err := p.Ack(ctx, *first); err != nil {
		t.Errorf("Ack() error = %v", err)
	}
	if err := p.Nack(ctx, *second, true); err != nil {
		t.Errorf("Nack() error = %v", err)
	}

	if len(deleted) != 1 || deleted[0] != "bar" {
		t.Errorf("deleted = %v, want [bar]", deleted)
	}
	if len(released) != 1 || released[0] != "h" {
		t.Errorf("released = %v, want [h]", released)
	}
}
