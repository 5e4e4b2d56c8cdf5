package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	ddHTTP "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/repository"
	"github.com/nitro/lazyreview/internal/service"
	"github.com/nitro/lazyreview/internal/transport"
)

// Client holds the logic to bootstrap the application.
type Client struct {
	Logger              zerolog.Logger
	AsyncErrorHandler   func(error)
	Addr                string
	BackendURL          string
	PublicHosts         []string
	URLSigningSecret    string
	EnableDatadog       bool
	StorageBucketRegion map[string]string
	HitRadius           float64

	// Protocol retry settings, zero keeps the defaults.
	StatusAttempts   int
	StatusRetryDelay time.Duration
	PollAttempts     int
	PollDelay        time.Duration
	FetchAttempts    int
	FetchRetryDelay  time.Duration

	// Drafts are only kept when RedisURL is set. DraftSecret enables their encryption.
	RedisURL      string
	RedisUsername string
	RedisPassword string
	RedisTLS      bool
	DraftTTL      time.Duration
	DraftSecret   string

	// The e-mail notifier replaces the backend notification when SendgridAPIKey is set.
	SendgridAPIKey string
	MailFromEmail  string
	MailFromName   string

	server          transport.Server
	serviceBackend  service.Backend
	serviceReview   service.Review
	serviceProtocol service.Protocol
	serviceRes      service.Resources
	serviceCipher   service.Cipher
	serviceDrafts   service.Drafts
	serviceMail     service.MailNotifier
}

// Init the client internal state.
func (c *Client) Init() (err error) {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	httpClient = ddHTTP.WrapClient(httpClient)

	if c.EnableDatadog {
		tracer.Start(
			tracer.WithHTTPClient(httpClient),
			tracer.WithLogger(datadogLogger{logger: c.Logger}),
			tracer.WithRuntimeMetrics(),
		)
		defer func() {
			if err != nil {
				tracer.Stop()
			}
		}()
	}

	c.serviceBackend.HTTPClient = httpClient
	c.serviceBackend.BaseURL = c.BackendURL
	c.serviceBackend.Logger = c.Logger
	if err := c.serviceBackend.Init(); err != nil {
		return fmt.Errorf("fail to initialize service backend: %w", err)
	}

	c.serviceRes.Logger = c.Logger
	c.serviceRes.HTTPClient = httpClient
	c.serviceRes.Backend = &c.serviceBackend
	c.serviceRes.PublicHosts = c.PublicHosts
	c.serviceRes.StorageBucketRegion = c.StorageBucketRegion
	c.serviceRes.Attempts = c.FetchAttempts
	c.serviceRes.RetryDelay = c.FetchRetryDelay
	if err := c.serviceRes.Init(); err != nil {
		return fmt.Errorf("fail to initialize service resources: %w", err)
	}

	var notifier service.Notifier = &c.serviceBackend
	if c.SendgridAPIKey != "" {
		c.serviceMail.APIKey = c.SendgridAPIKey
		c.serviceMail.FromEmail = c.MailFromEmail
		c.serviceMail.FromName = c.MailFromName
		c.serviceMail.Fallback = &c.serviceBackend
		c.serviceMail.Logger = c.Logger
		if err := c.serviceMail.Init(); err != nil {
			return fmt.Errorf("fail to initialize service mail notifier: %w", err)
		}
		notifier = &c.serviceMail
	}

	c.serviceProtocol.Logger = c.Logger
	c.serviceProtocol.Backend = &c.serviceBackend
	c.serviceProtocol.Notifier = notifier
	c.serviceProtocol.StatusAttempts = c.StatusAttempts
	c.serviceProtocol.StatusRetryDelay = c.StatusRetryDelay
	c.serviceProtocol.PollAttempts = c.PollAttempts
	c.serviceProtocol.PollDelay = c.PollDelay
	if err := c.serviceProtocol.Init(); err != nil {
		return fmt.Errorf("fail to initialize service protocol: %w", err)
	}

	c.serviceReview.Logger = c.Logger
	c.serviceReview.Resources = &c.serviceRes
	c.serviceReview.Backend = &c.serviceBackend
	c.serviceReview.Protocol = &c.serviceProtocol
	c.serviceReview.SigningSecret = c.URLSigningSecret
	c.serviceReview.HitRadius = c.HitRadius
	if c.RedisURL != "" {
		if err := c.initDrafts(); err != nil {
			return err
		}
		c.serviceReview.Drafts = c.serviceDrafts
	}
	if err := c.serviceReview.Init(); err != nil {
		return fmt.Errorf("fail to initialize service review: %w", err)
	}

	c.server.Logger = c.Logger
	c.server.AsyncErrorHandler = c.AsyncErrorHandler
	c.server.TraceExtractor = traceLogger(c.EnableDatadog)
	c.server.ReviewService = &c.serviceReview
	c.server.Addr = c.Addr
	if err := c.server.Init(); err != nil {
		return fmt.Errorf("fail to initialize the transport server: %w", err)
	}

	return nil
}

func (c *Client) initDrafts() error {
	redisClient, err := repository.NewRedisClient(
		c.RedisURL, c.RedisUsername, c.RedisPassword, c.DraftTTL, c.RedisTLS,
	)
	if err != nil {
		return fmt.Errorf("fail to initialize the redis client: %w", err)
	}

	c.serviceDrafts.Storage = redisClient
	if c.DraftSecret != "" {
		c.serviceCipher.Secret = c.DraftSecret
		c.serviceCipher.Storage = redisClient
		if err := c.serviceCipher.Init(); err != nil {
			return fmt.Errorf("fail to initialize service cipher: %w", err)
		}
		c.serviceDrafts.Storage = c.serviceCipher
	}
	if err := c.serviceDrafts.Init(); err != nil {
		return fmt.Errorf("fail to initialize service drafts: %w", err)
	}
	return nil
}

// Start the client.
func (c *Client) Start() {
	c.server.Start()
}

// Stop the client. Open sessions are closed so the unsaved reviews are kept as drafts.
func (c *Client) Stop(ctx context.Context) error {
	defer tracer.Stop()
	if err := c.server.Stop(ctx); err != nil {
		return fmt.Errorf("fail to stop the server: %w", err)
	}
	c.serviceReview.CloseAll(ctx)
	return nil
}

// FetchFeedback returns the latest feedback document stored for a resource.
func (c *Client) FetchFeedback(ctx context.Context, credential string, resourceID int) (domain.FeedbackDocument, error) {
	feedback, ok, err := c.serviceBackend.FetchFeedback(ctx, credential, resourceID)
	if err != nil {
		return domain.FeedbackDocument{}, fmt.Errorf("fail to fetch the feedback: %w", err)
	}
	if !ok {
		return domain.FeedbackDocument{}, fmt.Errorf("resource '%d' has no feedback: %w", resourceID, service.ErrNotFound)
	}
	return domain.DecodeFeedbackDocument(feedback.Comment), nil
}

// InitBackend prepares only what FetchFeedback needs.
func (c *Client) InitBackend() error {
	if c.BackendURL == "" {
		return errors.New("internal/Client.BackendURL can't be empty")
	}
	c.serviceBackend.HTTPClient = ddHTTP.WrapClient(&http.Client{Timeout: 10 * time.Second})
	c.serviceBackend.BaseURL = c.BackendURL
	c.serviceBackend.Logger = c.Logger
	if err := c.serviceBackend.Init(); err != nil {
		return fmt.Errorf("fail to initialize service backend: %w", err)
	}
	return nil
}
