package aws

import (
	"context"
	"net/url"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/transport"
)

type stubPubSub struct{}

func (stubPubSub) Publish(string, ...*message.Message) error { return nil }

func (stubPubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (stubPubSub) Close() error { return nil }

func TestResolveAccountID(t *testing.T) {
	assert.Equal(t, "123456789012", resolveAccountID("'123456789012'", false))
	assert.Equal(t, "", resolveAccountID("", false))
	assert.Equal(t, localstackAccountID, resolveAccountID("", true))
	assert.Equal(t, localstackAccountID, resolveAccountID("42", true))
	assert.Equal(t, "123456789012", resolveAccountID("123456789012", true))
}

func TestEndpointOptions(t *testing.T) {
	snsOpts, sqsOpts := endpointOptions(nil)
	assert.Nil(t, snsOpts)
	assert.Nil(t, sqsOpts)

	u, err := url.Parse("http://localhost:4566")
	require.NoError(t, err)
	snsOpts, sqsOpts = endpointOptions(u)
	assert.Len(t, snsOpts, 1)
	assert.Len(t, sqsOpts, 1)

	_, err = endpointURL("http://[::1")
	assert.Error(t, err)
}

func TestBuildWithLocalstack(t *testing.T) {
	origLoader, origPub, origSub := ConfigLoader, PublisherFactory, SubscriberFactory
	t.Cleanup(func() { ConfigLoader, PublisherFactory, SubscriberFactory = origLoader, origPub, origSub })

	ConfigLoader = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var opts awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&opts))
		}
		assert.Equal(t, "eu-central-1", opts.Region)
		require.NotNil(t, opts.Credentials)
		creds, err := opts.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "test", creds.AccessKeyID)
		return aws.Config{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, "eu-central-1", cfg.AWSConfig.Region)
		assert.Len(t, cfg.OptFns, 1)
		return stubPubSub{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Len(t, sqsCfg.OptFns, 1)
		require.NotNil(t, cfg.GenerateSqsQueueName)
		return stubPubSub{}, nil
	}

	tr, err := Build(context.Background(), transport.StaticConfig{
		AWSRegion:          "eu-central-1",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
		AWSEndpoint:        "http://localhost:4566",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}
