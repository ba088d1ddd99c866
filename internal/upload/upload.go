package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
)

// File is a local file handed to an upload destination.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Open prepares the file at path for upload. The content type is taken from
// the extension and sniffed from the first bytes when the extension is unknown.
func Open(path string) (File, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, errs.Validationf("open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, nil, errs.Validationf("%s is a directory", path)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()
			return File{}, nil, fmt.Errorf("rewind %s: %w", path, err)
		}
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	return File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Body:        f,
	}, f.Close, nil
}

// Draft describes the file as a chat media draft.
func (f File) Draft() models.MediaDraft {
	return models.MediaDraft{ContentType: f.ContentType, Size: f.Size}
}

// Uploader sends files to the signed destinations handed out by the backend.
// It never attaches the session credential.
type Uploader struct {
	client   *http.Client
	maxBytes int64
}

// New constructs an Uploader. maxMediaBytes bounds form uploads; zero means
// no limit.
func New(transport http.RoundTripper, maxMediaBytes int64) *Uploader {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Uploader{
		client:   &http.Client{Transport: transport},
		maxBytes: maxMediaBytes,
	}
}

// PostForm uploads a chat media file to a signed POST target. The signed
// fields are written first, then the Content-Type field, then the file part.
func (u *Uploader) PostForm(ctx context.Context, target models.MediaUploadTarget, file File) error {
	if u.maxBytes > 0 && file.Size > u.maxBytes {
		return errs.Validationf("%s is %d bytes, the limit is %d", file.Name, file.Size, u.maxBytes)
	}
	if target.URL == "" {
		return errs.Validationf("upload target url is required")
	}

	ctx, span := logging.StartSpan(ctx, "upload.post_form")
	defer span.End()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, target.Fields, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, pr)
	if err != nil {
		_ = pr.Close()
		span.Fail(err)
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	if err := u.send(req, "upload media"); err != nil {
		_ = pr.CloseWithError(err)
		span.Fail(err)
		return err
	}

	logging.FromContext(ctx).Info("media uploaded",
		slog.String("file", file.Name),
		slog.Int64("size", file.Size),
	)
	return nil
}

func writeForm(form *multipart.Writer, fields map[string]string, file File) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := form.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	if err := form.WriteField("Content-Type", file.ContentType); err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	header.Set("Content-Type", file.ContentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return err
	}
	return form.Close()
}

// Put uploads a file to a signed PUT URL.
func (u *Uploader) Put(ctx context.Context, url string, file File) error {
	if url == "" {
		return errs.Validationf("upload url is required")
	}

	ctx, span := logging.StartSpan(ctx, "upload.put")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file.Body)
	if err != nil {
		span.Fail(err)
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = file.Size
	req.Header.Set("Content-Type", file.ContentType)

	if err := u.send(req, "upload "+file.Name); err != nil {
		span.Fail(err)
		return err
	}
	return nil
}

// VideoRequest uploads the video and, when present, the thumbnail of a new
// video request in parallel.
func (u *Uploader) VideoRequest(ctx context.Context, targets models.VideoUploadTargets, video File, thumbnail *File) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.Put(gctx, targets.VideoURL, video)
	})
	if thumbnail != nil {
		g.Go(func() error {
			return u.Put(gctx, targets.ThumbnailURL, *thumbnail)
		})
	}
	return g.Wait()
}

func (u *Uploader) send(req *http.Request, op string) error {
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %w", errs.ErrNetwork, &errs.HTTPError{Op: op, Status: resp.StatusCode})
	}
	return nil
}
