package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// Reader errors. All of them are fatal to the import job.
var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrMissingPayload  = errors.New("archive does not contain export.xml")
	ErrInvalidArchive  = errors.New("archive is not a valid zip file")
)

const (
	// DefaultLargeFileThreshold is the size at which the signed URL strategy is used.
	DefaultLargeFileThreshold int64 = 100 * 1024 * 1024
	// DefaultSignedURLExpiry is the lifetime of signed URLs for large archives.
	DefaultSignedURLExpiry = time.Hour
	// DefaultPayloadName is matched as a substring of zip entry names.
	DefaultPayloadName = "export.xml"
)

// ReaderConfig tunes the Reader.
type ReaderConfig struct {
	LargeFileThreshold int64
	SignedURLExpiry    time.Duration
	PayloadName        string
}

// DefaultReaderConfig returns the production defaults.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		LargeFileThreshold: DefaultLargeFileThreshold,
		SignedURLExpiry:    DefaultSignedURLExpiry,
		PayloadName:        DefaultPayloadName,
	}
}

// Located is the result of finding an archive in the blob store.
type Located struct {
	Path     string
	Size     int64
	Strategy ingestion.Strategy
}

// Payload is the export.xml entry of an archive, opened for streaming.
// Callers must Close it.
type Payload struct {
	ArchivePath string
	ArchiveSize int64
	Strategy    ingestion.Strategy
	EntryName   string
	EntrySize   uint64
	Body        io.ReadCloser
}

// Close releases the entry reader.
func (p *Payload) Close() error {
	if p.Body == nil {
		return nil
	}

	return p.Body.Close()
}

// Reader locates, fetches and unzips archives.
type Reader struct {
	store      BlobStore
	httpClient *http.Client
	config     ReaderConfig
	logger     *slog.Logger
}

// ReaderOption customizes a Reader.
type ReaderOption func(*Reader)

// WithHTTPClient sets the client used for signed URL fetches.
func WithHTTPClient(client *http.Client) ReaderOption {
	return func(r *Reader) {
		r.httpClient = client
	}
}

// WithLogger sets the reader logger.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader over store.
func NewReader(store BlobStore, cfg ReaderConfig, opts ...ReaderOption) *Reader {
	if cfg.LargeFileThreshold <= 0 {
		cfg.LargeFileThreshold = DefaultLargeFileThreshold
	}

	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = DefaultSignedURLExpiry
	}

	if cfg.PayloadName == "" {
		cfg.PayloadName = DefaultPayloadName
	}

	r := &Reader{
		store:      store,
		httpClient: DefaultHTTPClient(),
		config:     cfg,
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DefaultHTTPClient returns a client that also understands file:// URLs,
// which the local blob store hands out as signed URLs.
func DefaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint: forcetypeassert
	transport.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))

	return &http.Client{Transport: transport}
}

// ChooseStrategy picks the fetch strategy for an archive of the given size.
// Sizes at or above threshold are large.
func ChooseStrategy(size, threshold int64) ingestion.Strategy {
	if size >= threshold {
		return ingestion.StrategyLarge
	}

	return ingestion.StrategySmall
}

// Locate lists the archive's directory to find its size and choose a strategy.
func (r *Reader) Locate(ctx context.Context, location string) (*Located, error) {
	dir, name := path.Split(location)
	dir = strings.TrimSuffix(dir, "/")

	objects, err := r.store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", dir, err)
	}

	for _, obj := range objects {
		if obj.Name == name {
			return &Located{
				Path:     location,
				Size:     obj.Size,
				Strategy: ChooseStrategy(obj.Size, r.config.LargeFileThreshold),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, location)
}

// Fetch retrieves the archive bytes with the located strategy.
func (r *Reader) Fetch(ctx context.Context, loc *Located) ([]byte, error) {
	start := time.Now()

	var (
		data []byte
		err  error
	)

	switch loc.Strategy {
	case ingestion.StrategyLarge:
		data, err = r.fetchSigned(ctx, loc.Path)
	default:
		data, err = r.store.Download(ctx, loc.Path)
		if errors.Is(err, ErrObjectNotFound) {
			err = fmt.Errorf("%w: %w", ErrArchiveNotFound, err)
		}
	}

	if err != nil {
		return nil, err
	}

	r.logger.Info("Archive fetched",
		slog.String("path", loc.Path),
		slog.String("strategy", string(loc.Strategy)),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (r *Reader) fetchSigned(ctx context.Context, location string) ([]byte, error) {
	signed, err := r.store.SignedURL(ctx, location, r.config.SignedURLExpiry)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrArchiveNotFound, err)
		}

		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrDownloadFailed, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: signed url returned HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}

	return data, nil
}

// Extract opens the first zip entry whose name contains the payload name.
// Only that entry is decompressed, and only as the returned Body is read.
// The archive fields of the returned Payload are left for the caller to fill.
func (r *Reader) Extract(data []byte) (*Payload, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.Contains(f.Name, r.config.PayloadName) {
			continue
		}

		body, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrInvalidArchive, f.Name, err)
		}

		return &Payload{EntryName: f.Name, EntrySize: f.UncompressedSize64, Body: body}, nil
	}

	return nil, fmt.Errorf("%w: %d entries scanned", ErrMissingPayload, len(zr.File))
}

// Open locates, fetches and extracts the archive at location in one call.
func (r *Reader) Open(ctx context.Context, location string) (*Payload, error) {
	loc, err := r.Locate(ctx, location)
	if err != nil {
		return nil, err
	}

	data, err := r.Fetch(ctx, loc)
	if err != nil {
		return nil, err
	}

	payload, err := r.Extract(data)
	if err != nil {
		return nil, err
	}

	payload.ArchivePath = loc.Path
	payload.ArchiveSize = loc.Size
	payload.Strategy = loc.Strategy

	return payload, nil
}
