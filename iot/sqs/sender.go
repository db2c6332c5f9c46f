// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package sqs forwards device messages to an AWS SQS queue.
//
// The message body is a JSON envelope carrying the device metadata and the
// base64 encoded payload. Payloads which would exceed the body limit are stored
// in an S3 bucket instead; the envelope then carries the object location.
package sqs

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/bridge/core/logger"
	"github.com/relabs-tech/bridge/iot"
)

// DefaultMaxBodySize leaves room for attributes below the 256 KiB limit of SQS
const DefaultMaxBodySize = 192 * 1024

// message attributes
const (
	AttributeEndpoint        = "endpoint"
	AttributeTenantID        = "tenant_id"
	AttributeDeviceID        = "device_id"
	AttributeLogContext      = "log_context"
	AttributeTTD             = "ttd"
	AttributePayloadLocation = "payload-location"
)

// API is the part of the SQS client the sender uses
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Uploader is the part of the S3 upload manager the sender uses
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Envelope is the message body
type Envelope struct {
	Endpoint        iot.Endpoint      `json:"endpoint"`
	TenantID        string            `json:"tenant_id"`
	DeviceID        string            `json:"device_id"`
	GatewayID       string            `json:"via,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	TTD             *int              `json:"ttd,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Status          *int              `json:"status,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Payload         []byte            `json:"payload,omitempty"`
	PayloadLocation string            `json:"payload_location,omitempty"`
}

// Sender implements iot.Sender for an SQS queue. SendMessage is synchronous,
// hence every message is sent as if the outcome was awaited.
type Sender struct {
	client      API
	uploader    Uploader
	queueURL    string
	bucket      string
	maxBodySize int
	fifo        bool
}

// Builder is a builder helper for the Sender
type Builder struct {
	// QueueURL is mandatory. Queues ending in .fifo get a message group per device.
	QueueURL string
	// Region, AccessID and AccessKey configure the AWS clients. Without
	// AccessID the default credential chain is used.
	Region    string
	AccessID  string
	AccessKey string
	// Bucket enables the offload of large payloads to S3
	Bucket string
	// MaxBodySize defaults to DefaultMaxBodySize
	MaxBodySize int
	// Client and Uploader replace the clients created from the configuration
	Client   API
	Uploader Uploader
}

// NewSender creates a sender
func NewSender(ctx context.Context, b *Builder) (*Sender, error) {
	if b.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}
	s := &Sender{
		client:      b.Client,
		uploader:    b.Uploader,
		queueURL:    b.QueueURL,
		bucket:      b.Bucket,
		maxBodySize: b.MaxBodySize,
		fifo:        strings.HasSuffix(b.QueueURL, ".fifo"),
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = DefaultMaxBodySize
	}

	if s.client == nil || (s.bucket != "" && s.uploader == nil) {
		options := []func(*config.LoadOptions) error{config.WithRegion(b.Region)}
		if b.AccessID != "" {
			options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(b.AccessID, b.AccessKey, "")))
		}
		cfg, err := config.LoadDefaultConfig(ctx, options...)
		if err != nil {
			return nil, err
		}
		if s.client == nil {
			s.client = sqs.NewFromConfig(cfg)
		}
		if s.bucket != "" && s.uploader == nil {
			s.uploader = manager.NewUploader(s3.NewFromConfig(cfg))
		}
	}
	logger.Default().Debugln("sqs sender enabled for", b.QueueURL)
	return s, nil
}

// Send implements iot.Sender
func (s *Sender) Send(ctx context.Context, msg *iot.Message, waitForOutcome bool) error {
	rlog := logger.FromContext(ctx)
	envelope := Envelope{
		Endpoint:      msg.Endpoint,
		TenantID:      msg.TenantID,
		DeviceID:      msg.DeviceID,
		GatewayID:     msg.GatewayID,
		ContentType:   msg.ContentType,
		TTD:           msg.TTD,
		CorrelationID: msg.RequestID,
		Status:        msg.Status,
		Properties:    msg.Properties,
		CreatedAt:     msg.CreatedAt,
		Payload:       msg.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if len(body) > s.maxBodySize {
		if s.uploader == nil {
			return fmt.Errorf("message of %d bytes exceeds the queue limit", len(body))
		}
		key := msg.TenantID + "/" + msg.DeviceID + "/" + uuid.New().String()
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(msg.Payload),
			ContentType: aws.String(msg.ContentType),
		})
		if err != nil {
			return fmt.Errorf("cannot offload payload: %w", err)
		}
		envelope.Payload = nil
		envelope.PayloadLocation = "s3://" + s.bucket + "/" + key
		if body, err = json.Marshal(envelope); err != nil {
			return err
		}
		rlog.WithField("location", envelope.PayloadLocation).Debugf("offloaded %d bytes", len(msg.Payload))
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(msg, envelope.PayloadLocation),
	}
	if s.fifo {
		input.MessageGroupId = aws.String(msg.TenantID + "/" + msg.DeviceID)
		input.MessageDeduplicationId = aws.String(uuid.New().String())
	}
	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("cannot send to queue: %w", err)
	}
	rlog.WithField("message_id", aws.ToString(out.MessageId)).Trace("message queued")
	return nil
}

func attributes(msg *iot.Message, payloadLocation string) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		AttributeEndpoint: stringAttribute(string(msg.Endpoint)),
		AttributeTenantID: stringAttribute(msg.TenantID),
		AttributeDeviceID: stringAttribute(msg.DeviceID),
	}
	if len(msg.LogContext) > 0 {
		attrs[AttributeLogContext] = stringAttribute(string(msg.LogContext))
	}
	if payloadLocation != "" {
		attrs[AttributePayloadLocation] = stringAttribute(payloadLocation)
	}
	if msg.TTD != nil {
		attrs[AttributeTTD] = types.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(*msg.TTD)),
		}
	}
	return attrs
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
