// Package sqs binds the queue engine to an Amazon SQS queue.
//
// SQS has no partitions or offsets: every delivery reports partition 0 and
// no offset, acks delete the message and nacks change its visibility.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/queue"
)

const (
	// MaxBatchSize is the most messages one ReceiveMessage call returns.
	MaxBatchSize = 10
	// MaxWaitTime is the longest long-poll SQS accepts.
	MaxWaitTime = 20 * time.Second

	defaultGroupID = "default"
)

// API is the subset of the SQS client the transport uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

type config struct {
	logger            *zap.Logger
	api               API
	queueURL          string
	region            string
	endpoint          string
	accessKeyID       string
	secretAccessKey   string
	visibilityTimeout time.Duration
}

type Option func(*config)

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClient uses an existing client instead of loading the AWS config.
func WithClient(api API) Option {
	return func(c *config) {
		c.api = api
	}
}

// WithQueueURL skips the GetQueueUrl lookup.
func WithQueueURL(url string) Option {
	return func(c *config) {
		c.queueURL = url
	}
}

func WithRegion(region string) Option {
	return func(c *config) {
		c.region = region
	}
}

// WithEndpoint points the client at a custom endpoint such as localstack.
func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(c *config) {
		c.accessKeyID = accessKeyID
		c.secretAccessKey = secretAccessKey
	}
}

// WithVisibilityTimeout overrides the queue's visibility timeout for
// received messages.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *config) {
		c.visibilityTimeout = d
	}
}

type Transport struct {
	api               API
	queue             string
	queueURL          string
	fifo              bool
	visibilityTimeout time.Duration
	logger            *zap.Logger
}

// New binds to the queue named queueName, resolving its URL unless one was
// given.
func New(ctx context.Context, queueName string, opts ...Option) (*Transport, error) {
	if queueName == "" {
		return nil, queue.ConfigError("sqs: queue name required", nil)
	}
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	api := cfg.api
	if api == nil {
		client, err := newClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		api = client
	}

	url := cfg.queueURL
	if url == "" {
		out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
		if err != nil {
			return nil, classify(fmt.Errorf("sqs: resolve queue url for %q: %w", queueName, err))
		}
		url = aws.ToString(out.QueueUrl)
	}

	cfg.logger.Info("sqs transport ready", zap.String("queue", queueName), zap.String("queue_url", url))
	return &Transport{
		api:               api,
		queue:             queueName,
		queueURL:          url,
		fifo:              strings.HasSuffix(queueName, ".fifo"),
		visibilityTimeout: cfg.visibilityTimeout,
		logger:            cfg.logger.With(zap.String("queue", queueName)),
	}, nil
}

func newClient(ctx context.Context, cfg config) (*sqs.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
	}
	if cfg.accessKeyID != "" && cfg.secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKeyID, cfg.secretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, queue.ConfigError("sqs: load aws config", err)
	}
	if awsCfg.Region == "" {
		return nil, queue.ConfigError("sqs: region required", nil)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
		}
	}), nil
}

func (t *Transport) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Name:         "sqs",
		Batching:     true,
		MaxBatchSize: MaxBatchSize,
		DelayedNack:  true,
	}
}

func (t *Transport) Topics() []string { return []string{t.queue} }

func (t *Transport) FetchOne(ctx context.Context) (*queue.Delivery, error) {
	batch, err := t.FetchBatch(ctx, 1, 0)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

// FetchBatch long-polls for up to timeout, rounded up to whole seconds and
// capped at MaxWaitTime.
func (t *Transport) FetchBatch(ctx context.Context, limit int, timeout time.Duration) ([]*queue.Delivery, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(t.queueURL),
		MaxNumberOfMessages:   int32(min(max(limit, 1), MaxBatchSize)),
		WaitTimeSeconds:       waitSeconds(timeout),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if t.visibilityTimeout > 0 {
		in.VisibilityTimeout = int32(t.visibilityTimeout / time.Second)
	}
	out, err := t.api.ReceiveMessage(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(fmt.Errorf("sqs: receive: %w", err))
	}
	now := time.Now()
	batch := make([]*queue.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		batch = append(batch, t.toDelivery(m, now))
	}
	return batch, nil
}

func (t *Transport) toDelivery(m types.Message, now time.Time) *queue.Delivery {
	headers := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			headers[k] = aws.ToString(v.StringValue)
		}
	}
	attempt := 1
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		attempt = n
	}
	id := aws.ToString(m.MessageId)
	if v := headers[queue.HeaderMessageID]; v != "" {
		id = v
	}
	return &queue.Delivery{
		ID:         id,
		Topic:      t.queue,
		Offset:     queue.NoOffset,
		Key:        m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
		Headers:    headers,
		Data:       []byte(aws.ToString(m.Body)),
		Token:      aws.ToString(m.ReceiptHandle),
		ReceivedAt: now,
		Attempt:    attempt,
	}
}

func (t *Transport) Ack(ctx context.Context, d *queue.Delivery) error {
	handle, err := receiptHandle(d)
	if err != nil {
		return err
	}
	_, err = t.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(t.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return classify(fmt.Errorf("sqs: delete message %s: %w", d.ID, err))
	}
	return nil
}

// Nack makes the message visible again after delay, rounded down to whole
// seconds.
func (t *Transport) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	handle, err := receiptHandle(d)
	if err != nil {
		return err
	}
	_, err = t.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(t.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(max(delay, 0) / time.Second),
	})
	if err != nil {
		return classify(fmt.Errorf("sqs: change visibility of %s: %w", d.ID, err))
	}
	return nil
}

// Commit is a no-op: deleting a message is its acknowledgement.
func (t *Transport) Commit(context.Context, queue.PartitionOffsets) error { return nil }

func (t *Transport) Heartbeat(context.Context) error { return nil }

func (t *Transport) Publish(ctx context.Context, msg *queue.Outbound) error {
	if msg == nil {
		return errors.New("sqs: message required")
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(t.queueURL),
		MessageBody:       aws.String(string(msg.Data)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(msg.Headers)),
	}
	for k, v := range msg.Headers {
		in.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if t.fifo {
		group := msg.Key
		if group == "" {
			group = defaultGroupID
		}
		in.MessageGroupId = aws.String(group)
		if msg.ID != "" {
			in.MessageDeduplicationId = aws.String(msg.ID)
		}
	}
	out, err := t.api.SendMessage(ctx, in)
	if err != nil {
		return classify(fmt.Errorf("sqs: send message: %w", err))
	}
	t.logger.Debug("message published",
		zap.String("message_id", msg.ID),
		zap.String("sqs_message_id", aws.ToString(out.MessageId)))
	return nil
}

func (t *Transport) Close(context.Context) error { return nil }

func receiptHandle(d *queue.Delivery) (string, error) {
	if d == nil {
		return "", errors.New("sqs: delivery required")
	}
	handle, ok := d.Token.(string)
	if !ok || handle == "" {
		return "", fmt.Errorf("sqs: delivery %q has no receipt handle", d.ID)
	}
	return handle, nil
}

func waitSeconds(timeout time.Duration) int32 {
	if timeout <= 0 {
		return 0
	}
	secs := math.Ceil(min(timeout, MaxWaitTime).Seconds())
	return int32(secs)
}

// classify wraps err with the engine sentinel matching its API error code.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", queue.ErrConnection, err)
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "RequestThrottled", "OverLimit", "KmsThrottled":
		return fmt.Errorf("%w: %w", queue.ErrThrottled, err)
	case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist", "AccessDenied", "AccessDeniedException", "InvalidAddress":
		return queue.ConfigError("sqs: queue not usable", err)
	case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
		return err
	default:
		return fmt.Errorf("%w: %w", queue.ErrConnection, err)
	}
}
