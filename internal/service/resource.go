package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register the GIF decoder.
	_ "image/jpeg" // Register the JPEG decoder.
	_ "image/png"  // Register the PNG decoder.
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/nitro/lazypdf/v2"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"  // Register the BMP decoder.
	_ "golang.org/x/image/tiff" // Register the TIFF decoder.
	_ "golang.org/x/image/webp" // Register the WEBP decoder.
	"golang.org/x/sync/errgroup"
	awstrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/aws/aws-sdk-go/aws"
	ddTracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nitro/lazyreview/internal/domain"
)

const (
	defaultFetchAttempts   = 2
	defaultFetchRetryDelay = 300 * time.Millisecond
	previewWidth           = 1024
	maxConcurrentFetches   = 4
)

// Acquisition is the result of acquiring one resource. A nil Blob means the resource is unavailable and Err says why.
type Acquisition struct {
	Resource domain.Resource
	Blob     *Blob
	Err      error
}

// Resources retrieves the bytes of the submission resources and materializes them as blobs.
type Resources struct {
	Logger              zerolog.Logger
	HTTPClient          *http.Client
	Backend             *Backend
	PublicHosts         []string
	StorageBucketRegion map[string]string
	Attempts            int
	RetryDelay          time.Duration

	getS3Client   func(string) (s3iface.S3API, error)
	s3Clients     map[string]s3iface.S3API
	mutex         sync.Mutex
	pageCount     func(context.Context, io.Reader) (int, error)
	renderPreview func(context.Context, io.Reader, io.Writer) error
	now           func() time.Time
}

// Init resources internal state.
func (r *Resources) Init() error {
	if r.HTTPClient == nil {
		return errors.New("internal/service/Resources.HTTPClient can't be nil")
	}
	if r.Backend == nil {
		return errors.New("internal/service/Resources.Backend can't be nil")
	}
	if r.Attempts <= 0 {
		r.Attempts = defaultFetchAttempts
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = defaultFetchRetryDelay
	}
	if r.getS3Client == nil {
		r.getS3Client = r.getBucketS3Client
	}
	if r.pageCount == nil {
		r.pageCount = func(ctx context.Context, input io.Reader) (int, error) {
			return lazypdf.PageCount(ctx, input)
		}
	}
	if r.renderPreview == nil {
		r.renderPreview = func(ctx context.Context, input io.Reader, output io.Writer) error {
			return lazypdf.SaveToPNG(ctx, 0, previewWidth, 0, input, output)
		}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.s3Clients = make(map[string]s3iface.S3API)
	return nil
}

// Acquire makes sure every resource has a blob. Resources already cached are reused; a resource that fails every
// attempt is reported as unavailable without affecting the others. The only error returned is a credential that
// can't be used.
func (r *Resources) Acquire(
	ctx context.Context, credential string, resources []domain.Resource, blobs *Blobs,
) (_ []Acquisition, err error) {
	span, ctx := startSpan(ctx, "Resources.Acquire")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if err := CheckCredential(credential, r.now()); err != nil {
		return nil, err
	}

	result := make([]Acquisition, len(resources))
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, resource := range resources {
		result[i].Resource = resource
		if blob, ok := blobs.Lookup(resource.Locator); ok {
			result[i].Blob = blob
			continue
		}
		g.Go(func() error {
			blob, err := r.acquire(ctx, credential, resource)
			if err != nil {
				r.Logger.Warn().Err(err).Int("resourceID", resource.ID).Msg("Resource unavailable")
				result[i].Err = err
				return nil
			}
			if blob.Preview != nil {
				preview := blobs.Put(Blob{
					Locator:     blob.Locator + "#preview",
					ContentType: "image/png",
					Data:        blob.Preview,
					Width:       blob.Width,
					Height:      blob.Height,
				})
				blob.PreviewID = preview.ID
			}
			result[i].Blob = blobs.Put(blob)
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

func (r *Resources) acquire(ctx context.Context, credential string, resource domain.Resource) (Blob, error) {
	var (
		payload     []byte
		contentType string
		err         error
	)
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, r.RetryDelay); err != nil {
				return Blob{}, newTransientError(fmt.Errorf("fail to wait for the next attempt: %w", err))
			}
		}
		payload, contentType, err = r.fetch(ctx, credential, resource.Locator)
		if err == nil {
			break
		}
		r.Logger.Debug().Err(err).Int("attempt", attempt).Str("locator", resource.Locator).Msg("Fail to fetch resource")
	}
	if err != nil {
		return Blob{}, fmt.Errorf("fail to fetch the resource '%d' after %d attempts: %w", resource.ID, r.Attempts, err)
	}

	blob := Blob{Locator: resource.Locator, ContentType: contentType, Data: payload}
	if resource.Kind == domain.MediaPDF || contentType == "application/pdf" {
		r.describePDF(ctx, &blob)
		return blob, nil
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(payload)); err == nil {
		blob.Width, blob.Height = cfg.Width, cfg.Height
	}
	return blob, nil
}

// describePDF fills the page count and the preview. A PDF that can't be rendered is still served as is.
func (r *Resources) describePDF(ctx context.Context, blob *Blob) {
	pages, err := r.pageCount(ctx, bytes.NewReader(blob.Data))
	if err != nil {
		r.Logger.Warn().Err(err).Str("locator", blob.Locator).Msg("Fail to count the PDF pages")
		return
	}
	blob.Pages = pages

	preview := bytes.NewBuffer([]byte{})
	if err := r.renderPreview(ctx, bytes.NewReader(blob.Data), preview); err != nil {
		r.Logger.Warn().Err(err).Str("locator", blob.Locator).Msg("Fail to render the PDF preview")
		return
	}
	blob.Preview = preview.Bytes()
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(blob.Preview)); err == nil {
		blob.Width, blob.Height = cfg.Width, cfg.Height
	}
}

func (r *Resources) fetch(ctx context.Context, credential, locator string) (_ []byte, _ string, err error) {
	span, ctx := startSpan(ctx, "Resources.fetch")
	defer func() { span.Finish(ddTracer.WithError(err)) }()

	if strings.HasPrefix(locator, "s3/") {
		return r.fetchFromS3(ctx, strings.TrimPrefix(locator, "s3/"))
	}

	endpoint, err := url.Parse(locator)
	if err != nil {
		return nil, "", newClientError(fmt.Errorf("invalid locator '%s': %w", locator, err))
	}
	withCredential := true
	switch {
	case endpoint.IsAbs() && endpoint.Scheme != "http" && endpoint.Scheme != "https":
		return nil, "", newClientError(fmt.Errorf("unsupported locator scheme '%s'", endpoint.Scheme))
	case endpoint.IsAbs():
		withCredential = !r.isPublicHost(endpoint.Hostname())
	default:
		if endpoint, err = r.Backend.Resolve(locator); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("fail to create the HTTP request: %w", err)
	}
	if withCredential {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, "", newTransientError(fmt.Errorf("fail to download the resource: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", newNotFoundError(errors.New("resource returned 404"))
	} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", newTransientError(fmt.Errorf("invalid status code '%d'", resp.StatusCode))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", newTransientError(fmt.Errorf("fail to read the body response: %w", err))
	}
	span.SetTag("fileSize", len(payload))
	return payload, contentType(resp.Header.Get("Content-Type"), payload), nil
}

func (r *Resources) fetchFromS3(ctx context.Context, path string) ([]byte, string, error) {
	fragments := strings.Split(path, "/")
	if len(fragments) < 2 {
		return nil, "", newClientError(errors.New("invalid path"))
	}
	bucket := fragments[0]

	s3Client, err := r.getS3Client(bucket)
	if err != nil {
		return nil, "", fmt.Errorf("fail to get the s3 bucket client: %w", err)
	}

	output, err := s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    aws.String(strings.Join(fragments[1:], "/")),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && (awsErr.Code() == s3.ErrCodeNoSuchKey) {
			return nil, "", newNotFoundError(err)
		}
		return nil, "", newTransientError(fmt.Errorf("fail to get object: %w", err))
	}
	defer output.Body.Close()

	payload, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, "", newTransientError(fmt.Errorf("fail to read the reader: %w", err))
	}
	return payload, contentType(aws.StringValue(output.ContentType), payload), nil
}

func (r *Resources) isPublicHost(host string) bool {
	for _, public := range r.PublicHosts {
		if strings.EqualFold(public, host) {
			return true
		}
	}
	return false
}

func (r *Resources) getBucketS3Client(bucket string) (s3iface.S3API, error) {
	region, ok := r.StorageBucketRegion[bucket]
	if !ok {
		return nil, newClientError(fmt.Errorf("can't find the bucket '%s' region", bucket))
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	client, ok := r.s3Clients[region]
	if ok {
		return client, nil
	}

	sess, err := session.NewSession(&aws.Config{HTTPClient: r.HTTPClient, Region: &region})
	if err != nil {
		return nil, fmt.Errorf("fail to start a session on region '%s': %w", region, err)
	}
	sess = awstrace.WrapSession(sess)

	client = s3.New(sess, &aws.Config{HTTPClient: r.HTTPClient})
	r.s3Clients[region] = client
	return client, nil
}

// contentType trusts the declared type unless it is missing or generic.
func contentType(declared string, payload []byte) string {
	declared = strings.TrimSpace(strings.Split(declared, ";")[0])
	if declared == "" || declared == "application/octet-stream" || declared == "binary/octet-stream" {
		return http.DetectContentType(payload)
	}
	return declared
}
