// Command topicpoller provisions topic-subscribed SQS queues, publishes to topics
// and runs a poller that logs every message it receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rollbar/rollbar-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/hatsunemiku3939/topicpoller"
	"github.com/hatsunemiku3939/topicpoller/middleware"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// Globals are the flags shared by every command.
type Globals struct {
	Queue    string `env:"TOPICPOLLER_QUEUE" required:"" help:"Name of the queue to provision or poll"`
	Prefix   string `env:"TOPICPOLLER_PREFIX" help:"Namespace prefix for the queue and topics"`
	Region   string `env:"AWS_REGION" default:"us-east-1" help:"AWS region"`
	Endpoint string `env:"AWS_ENDPOINT_URL" help:"Override the AWS endpoint, e.g. for a local stack"`
	LogLevel string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level"`
}

type cli struct {
	Globals

	Provision provisionCmd `cmd:"" help:"Create or update the queue, its dead-letter queue and subscriptions"`
	Publish   publishCmd   `cmd:"" help:"Publish a message to a topic"`
	Run       runCmd       `cmd:"" help:"Poll the queue and log every message"`
}

// awsClients is the set of service clients the commands use.
type awsClients interface {
	topicpoller.SQSClient
	topicpoller.SNSClient
	topicpoller.S3Client
	topicpoller.Publisher
}

type deps struct {
	ctx     context.Context
	stdout  io.Writer
	logger  zerolog.Logger
	clients func(ctx context.Context, g *Globals) (awsClients, error)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := &deps{
		ctx:     ctx,
		stdout:  os.Stdout,
		logger:  zerolog.New(os.Stderr).With().Timestamp().Logger(),
		clients: loadClients,
	}
	if err := run(d, os.Args[1:], kong.Exit(os.Exit)); err != nil {
		d.logger.Fatal().Err(err).Msg("topicpoller failed")
	}
}

func run(d *deps, args []string, opts ...kong.Option) error {
	var c cli
	parser, err := kong.New(&c, append([]kong.Option{
		kong.Name("topicpoller"),
		kong.Description("Provision and poll SQS queues subscribed to SNS topics and S3 buckets."),
		kong.UsageOnError(),
	}, opts...)...)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	d.logger = d.logger.Level(level)
	return kctx.Run(&c.Globals, d)
}

// loadClients builds one client per service from the default AWS config chain.
func loadClients(ctx context.Context, g *Globals) (awsClients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(g.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var endpoint *string
	if g.Endpoint != "" {
		endpoint = aws.String(g.Endpoint)
	}
	return &serviceClients{
		Client: sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.BaseEndpoint = endpoint }),
		sns:    sns.NewFromConfig(cfg, func(o *sns.Options) { o.BaseEndpoint = endpoint }),
		s3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = endpoint
			o.UsePathStyle = endpoint != nil
		}),
	}, nil
}

// serviceClients joins the SQS, SNS and S3 clients into one awsClients.
type serviceClients struct {
	*sqs.Client
	sns *sns.Client
	s3  *s3.Client
}

func (c *serviceClients) CreateTopic(ctx context.Context, in *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	return c.sns.CreateTopic(ctx, in, optFns...)
}

func (c *serviceClients) Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	return c.sns.Subscribe(ctx, in, optFns...)
}

func (c *serviceClients) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return c.sns.Publish(ctx, in, optFns...)
}

func (c *serviceClients) PutBucketNotificationConfiguration(ctx context.Context, in *s3.PutBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error) {
	return c.s3.PutBucketNotificationConfiguration(ctx, in, optFns...)
}

// Subscriptions are the topics and buckets a queue is wired to.
type Subscriptions struct {
	Topics  []string `arg:"" optional:"" help:"Topics to subscribe the queue to"`
	Buckets []string `name:"bucket" help:"Buckets whose object-created events are sent to the queue"`
}

func (s Subscriptions) register(p *topicpoller.Poller, handler topicpoller.Handler) error {
	if len(s.Topics) > 0 {
		if err := p.Handle(handler, s.Topics...); err != nil {
			return err
		}
	}
	for _, bucket := range s.Buckets {
		if err := p.HandleBucket(handler, bucket); err != nil {
			return err
		}
	}
	return nil
}

func newPoller(g *Globals, d *deps, clients awsClients, opts ...topicpoller.Option) *topicpoller.Poller {
	return topicpoller.New(g.Queue, clients, append([]topicpoller.Option{
		topicpoller.WithPrefix(g.Prefix),
		topicpoller.WithSNS(clients),
		topicpoller.WithS3(clients),
		topicpoller.WithLogger(d.logger),
	}, opts...)...)
}

type provisionCmd struct {
	Subscriptions
}

func (c *provisionCmd) Run(g *Globals, d *deps) error {
	clients, err := d.clients(d.ctx, g)
	if err != nil {
		return err
	}
	p := newPoller(g, d, clients)
	if err := c.register(p, func(context.Context, topicpoller.Message) error { return nil }); err != nil {
		return err
	}

	q, err := p.EnsureTopology(d.ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(d.stdout, "queue:       %s\nurl:         %s\narn:         %s\ndead-letter: %s\n",
		q.Name, q.URL, q.ARN, q.DeadLetterARN)
	return err
}

type publishCmd struct {
	Topic   string `arg:"" help:"Topic name, qualified with the prefix unless --unqualified"`
	Message string `arg:"" help:"Message to publish"`

	Raw         bool   `help:"Publish the message as is instead of requiring JSON"`
	Unqualified bool   `help:"Do not apply the prefix to the topic name"`
	Subject     string `help:"Optional SNS subject"`
}

func (c *publishCmd) Run(g *Globals, d *deps) error {
	if !c.Raw && !json.Valid([]byte(c.Message)) {
		return errors.New("message is not valid JSON, use --raw to publish text")
	}
	clients, err := d.clients(d.ctx, g)
	if err != nil {
		return err
	}

	name := c.Topic
	if !c.Unqualified {
		name = topicpoller.QualifiedName(g.Prefix, c.Topic)
	}
	var optFns []func(*sns.PublishInput)
	if c.Subject != "" {
		optFns = append(optFns, func(in *sns.PublishInput) { in.Subject = aws.String(c.Subject) })
	}
	id, err := topicpoller.NewTopic(clients, name).PublishRaw(d.ctx, c.Message, optFns...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(d.stdout, id)
	return err
}

type runCmd struct {
	Subscriptions

	MetricsAddr  string `env:"METRICS_ADDR" help:"Serve Prometheus metrics on this address"`
	StatsdAddr   string `env:"STATSD_ADDR" help:"Send DogStatsD metrics to this address"`
	RollbarToken string `env:"ROLLBAR_TOKEN" help:"Report failures to Rollbar"`
	RollbarEnv   string `env:"ROLLBAR_ENV" default:"development" help:"Rollbar environment"`
}

func (c *runCmd) Run(g *Globals, d *deps) error {
	clients, err := d.clients(d.ctx, g)
	if err != nil {
		return err
	}

	mws := []topicpoller.Middleware{
		middleware.Tracing(otel.Tracer("github.com/hatsunemiku3939/topicpoller")),
		middleware.Logging(d.logger),
	}

	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		return err
	}
	mws = append(mws, metrics.Middleware())

	if c.StatsdAddr != "" {
		stats, err := statsd.New(c.StatsdAddr, statsd.WithNamespace("topicpoller."))
		if err != nil {
			return fmt.Errorf("statsd client: %w", err)
		}
		defer stats.Close()
		mws = append(mws, middleware.Statsd(stats, "dispatch"))
	}

	onError := topicpoller.LogErrors(d.logger)
	if c.RollbarToken != "" {
		hostname, _ := os.Hostname()
		client := rollbar.NewAsync(c.RollbarToken, c.RollbarEnv, "", hostname, "")
		defer client.Close()
		onError = middleware.ReportErrors(client, onError)
	}

	p := newPoller(g, d, clients, topicpoller.WithMiddleware(mws...), topicpoller.WithErrorHook(onError))
	if err := c.register(p, echo(d.logger)); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(d.ctx)
	eg.Go(func() error {
		return p.Start(ctx)
	})
	if c.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			d.logger.Info().Str("addr", c.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return eg.Wait()
}

// echo logs each message it is given.
func echo(logger zerolog.Logger) topicpoller.Handler {
	return func(_ context.Context, msg topicpoller.Message) error {
		ev := logger.Info().Str("message", msg.Raw)
		if msg.Meta != nil {
			ev = ev.Str("topic", msg.Meta.Topic)
		}
		ev.Msg("received message")
		return nil
	}
}
