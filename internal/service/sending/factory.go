package sending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httpretry"
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// PlatformSMTP is the relay config used by "internal" providers. Provider
	// config keys override it.
	PlatformSMTP     map[string]string
	SESDefaultRegion string
	SESTimeout       time.Duration
	HTTPClient       httpretry.HTTPDoer
	HTTPRetry        httpretry.Options
}

// Factory builds senders per attempt. SES clients are cached per
// credential set and region; each cache entry belongs to exactly one
// provider configuration and is never modified after creation.
type Factory struct {
	opts FactoryOptions
	http httpretry.HTTPDoer

	mu  sync.Mutex
	ses map[sesKey]*sesv2.Client
}

type sesKey struct {
	region, accessKey, secretKey, endpoint string
}

// NewFactory returns a Factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.SESDefaultRegion == "" {
		opts.SESDefaultRegion = "us-east-1"
	}
	if opts.SESTimeout == 0 {
		opts.SESTimeout = 30 * time.Second
	}
	return &Factory{
		opts: opts,
		http: httpretry.NewRetryClient(opts.HTTPClient, opts.HTTPRetry),
		ses:  make(map[sesKey]*sesv2.Client),
	}
}

// SenderFor returns the transport for p using cfg, the effective config.
func (f *Factory) SenderFor(p *domain.Provider, cfg map[string]string) (Sender, error) {
	switch p.Kind {
	case domain.ProviderSMTP:
		return NewSMTPSender(p.Kind, cfg)
	case domain.ProviderInternal:
		merged := make(map[string]string, len(f.opts.PlatformSMTP)+len(cfg))
		for k, v := range f.opts.PlatformSMTP {
			merged[k] = v
		}
		for k, v := range cfg {
			if v != "" {
				merged[k] = v
			}
		}
		return NewSMTPSender(p.Kind, merged)
	case domain.ProviderSES:
		client, err := f.sesClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewSESSender(client, first(cfg, "configuration_set")), nil
	case domain.ProviderSendGrid:
		return NewSendGridSender(cfg, f.http)
	case domain.ProviderBrevo:
		return NewBrevoSender(cfg, f.http)
	default:
		return nil, &ConfigError{Kind: string(p.Kind), Msg: "unsupported provider kind"}
	}
}

func (f *Factory) sesClient(cfg map[string]string) (*sesv2.Client, error) {
	key := sesKey{
		region:    first(cfg, "region", "aws_region"),
		accessKey: first(cfg, "access_key_id", "aws_access_key_id", "access_key"),
		secretKey: first(cfg, "secret_access_key", "aws_secret_access_key", "secret_key"),
		endpoint:  first(cfg, "endpoint"),
	}
	if key.accessKey == "" {
		return nil, missing("ses", "access_key_id")
	}
	if key.secretKey == "" {
		return nil, missing("ses", "secret_access_key")
	}
	if key.region == "" {
		key.region = f.opts.SESDefaultRegion
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.ses[key]; ok {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.SESTimeout)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(key.region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key.accessKey, key.secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses aws config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if key.endpoint != "" {
			o.BaseEndpoint = aws.String(key.endpoint)
		}
	})
	f.ses[key] = client
	return client, nil
}
