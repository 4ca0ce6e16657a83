package glload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedScheme is returned by [Fetch] for URL schemes other than http, https and file.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// ProgressFunc receives the bytes read so far and the total size, which is
// -1 when unknown.
type ProgressFunc func(read, total int64)

// HTTPClient is used by [Fetch] for http and https sources.
var HTTPClient = http.DefaultClient

// Fetch opens src, which may be an http(s) URL, a file URL or a plain path.
// It returns the payload and its size, -1 when unknown. The caller must close the reader.
func Fetch(ctx context.Context, src string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		return openFile(src)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, 0, err
		}
		resp, err := HTTPClient.Do(req)
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, fmt.Errorf("fetch %s: %s", src, resp.Status)
		}
		return resp.Body, resp.ContentLength, nil
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = "//" + u.Host + p
		}
		return openFile(filepath.FromSlash(p))
	}
	return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func openFile(name string) (io.ReadCloser, int64, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	info, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		fp.Close()
		return nil, 0, fmt.Errorf("%s is a directory", name)
	}
	return fp, info.Size(), nil
}

// TokenFromURL returns the normalized extension of the path in src, ignoring
// query and fragment.
func TokenFromURL(src string) string {
	p := src
	if u, err := url.Parse(src); err == nil && len(u.Scheme) > 1 {
		p = u.Path
	}
	return NormalizeToken(path.Ext(filepath.ToSlash(p)))
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    ProgressFunc
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	pr.read += int64(n)
	if n > 0 || err == io.EOF {
		pr.fn(pr.read, pr.total)
	}
	return n, err
}

// LoadURL fetches src and decodes it. An empty format is taken from the URL
// extension. progress may be nil.
func (reg *Registry) LoadURL(ctx context.Context, src, format string, progress ProgressFunc) (Result, error) {
	if format == "" {
		format = TokenFromURL(src)
	}
	rc, size, err := Fetch(ctx, src)
	if err != nil {
		return Result{}, err
	}
	defer rc.Close()
	var r io.Reader = rc
	if progress != nil {
		progress(0, size)
		r = &progressReader{r: rc, total: size, fn: progress}
	}
	res, err := reg.Load(ctx, format, r)
	if err != nil {
		return Result{}, fmt.Errorf("load %s: %w", src, err)
	}
	return res, nil
}

// Source is one model file to load.
type Source struct {
	URL    string `toml:"url"`
	Format string `toml:"format"`
}

// LoadAll loads sources concurrently, at most limit at a time (unbounded if
// limit <= 0). Results are in source order. On error every loaded result is
// disposed and the first error returned.
func (reg *Registry) LoadAll(ctx context.Context, sources []Source, limit int) ([]Result, error) {
	results := make([]Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, src := range sources {
		g.Go(func() error {
			res, err := reg.LoadURL(gctx, src.URL, src.Format, nil)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, res := range results {
			res.Dispose()
		}
		return nil, err
	}
	return results, nil
}
