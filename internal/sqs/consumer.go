package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/metrics"
	"github.com/lalithlochan/dropcast/internal/pipeline"
)

// Runner is the pipeline entry point a trigger message invokes.
type Runner interface {
	Run(ctx context.Context, now time.Time) (*pipeline.RunReport, error)
}

// Trigger is the optional body of a trigger message. Any body, including an
// empty or malformed one, still runs the pipeline.
type Trigger struct {
	Source      string `json:"source"`
	RequestedAt int64  `json:"requested_at"`
}

// Consumer long-polls the trigger queue and runs the pipeline once per message.
type Consumer struct {
	client   sqsAPI
	queueURL string
	runner   Runner
	logger   *zap.Logger

	waitSeconds       int32
	visibilityTimeout int32
	errorBackoff      time.Duration
}

// NewConsumer creates a new SQS consumer for the trigger queue.
func NewConsumer(ctx context.Context, cfg Config, runner Runner, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.TriggerQueueURL),
	)

	return newConsumer(client, cfg.TriggerQueueURL, runner, logger), nil
}

func newConsumer(client sqsAPI, queueURL string, runner Runner, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		runner:            runner,
		logger:            logger,
		waitSeconds:       20,
		visibilityTimeout: 300,
		errorBackoff:      5 * time.Second,
	}
}

// Start polls until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("trigger consumer started", zap.String("queue_url", c.queueURL))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("trigger consumer stopping")
			return
		default:
		}

		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("trigger poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errorBackoff):
			}
		}
	}
}

// poll receives one batch and handles each message in turn.
func (c *Consumer) poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	for _, m := range out.Messages {
		c.handle(ctx, aws.ToString(m.Body), aws.ToString(m.ReceiptHandle), aws.ToString(m.MessageId))
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, body, receiptHandle, messageID string) {
	var trig Trigger
	if body != "" {
		if err := json.Unmarshal([]byte(body), &trig); err != nil {
			c.logger.Warn("trigger message body ignored", zap.String("message_id", messageID), zap.Error(err))
		}
	}

	start := time.Now()
	report, err := c.runner.Run(ctx, start)
	metrics.RecordPipelineRun("sqs", err, time.Since(start))
	if err != nil {
		// Left on the queue; it becomes visible again for another run.
		c.logger.Error("triggered pipeline run failed",
			zap.String("message_id", messageID),
			zap.String("source", trig.Source),
			zap.Error(err),
		)
		if verr := c.release(ctx, receiptHandle); verr != nil {
			c.logger.Warn("failed to release trigger message", zap.Error(verr))
		}
		return
	}

	c.logger.Info("triggered pipeline run finished",
		zap.String("message_id", messageID),
		zap.String("source", trig.Source),
		zap.String("run_id", report.RunID.String()),
		zap.Int("expanded", report.Expanded),
	)

	if err := c.delete(ctx, receiptHandle); err != nil {
		c.logger.Error("failed to delete trigger message", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// release makes a message visible again after a backoff instead of waiting
// out the full visibility timeout.
func (c *Consumer) release(ctx context.Context, receiptHandle string) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(c.errorBackoff / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
