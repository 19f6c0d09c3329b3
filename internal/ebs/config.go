package ebs

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go/logging"
	"github.com/sirupsen/logrus"
)

// Config holds the AWS settings of the EBS provider
type Config struct {
	Region          string
	Zone            string
	AccessKeyID     string
	SecretAccessKey string
	// EndpointURL overrides the EC2 endpoint, for EC2-compatible clouds.
	EndpointURL string
}

// ConfigFromEnv reads AWS_REGION, AWS_ZONE, AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY and AWS_ENDPOINT_URL.
func ConfigFromEnv() Config {
	return Config{
		Region:          os.Getenv("AWS_REGION"),
		Zone:            os.Getenv("AWS_ZONE"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		EndpointURL:     os.Getenv("AWS_ENDPOINT_URL"),
	}
}

// LoadAWSConfig builds an SDK config from cfg. Static credentials are used
// when both keys are set, otherwise the SDK's default chain applies. SDK
// retries and request logs go to logger.
func LoadAWSConfig(ctx context.Context, cfg Config, logger logrus.FieldLogger) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithLogger(NewSDKLogger(logger)),
		config.WithClientLogMode(aws.LogRetries | aws.LogRequest),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewClient creates an EC2 client, honouring cfg.EndpointURL.
func NewClient(awsCfg aws.Config, cfg Config) *ec2.Client {
	return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
}

// NewMetadata creates an instance metadata client.
func NewMetadata(awsCfg aws.Config) *Metadata {
	return &Metadata{client: imds.NewFromConfig(awsCfg)}
}

// sdkLogger routes smithy log output to logrus.
type sdkLogger struct {
	logger logrus.FieldLogger
}

// NewSDKLogger adapts logger to the smithy logging interface.
func NewSDKLogger(logger logrus.FieldLogger) logging.Logger {
	return sdkLogger{logger: logger.WithField("component", "aws-sdk")}
}

func (l sdkLogger) Logf(classification logging.Classification, format string, v ...interface{}) {
	switch classification {
	case logging.Warn:
		l.logger.Warnf(format, v...)
	default:
		l.logger.Debugf(format, v...)
	}
}
