package compression

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// countWriter wraps an io.Writer and counts bytes written.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// AlgorithmStats tracks per-algorithm byte counts.
type AlgorithmStats struct {
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Count    atomic.Int64
}

// StatsSnapshot is the JSON form of AlgorithmStats.
type StatsSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// encodingPref is a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip", "deflate"}

// Config holds compression parameters.
type Config struct {
	Enabled      bool
	Algorithms   []string
	Level        int
	Threshold    int // min body bytes before compressing
	ContentTypes []string
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	enabled      bool
	level        int
	threshold    int
	contentTypes map[string]bool
	algorithms   map[string]bool
	algoOrder    []string
	stats        map[string]*AlgorithmStats
	zstdPool     sync.Pool
}

// New creates a Compressor from config.
func New(cfg Config) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		threshold:    cfg.Threshold,
		contentTypes: make(map[string]bool),
		algorithms:   make(map[string]bool),
		stats:        make(map[string]*AlgorithmStats),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.threshold <= 0 {
		c.threshold = 1024
	}

	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			c.algorithms[algo] = true
		}
	} else {
		c.algorithms["gzip"] = true
		c.algorithms["br"] = true
		c.algorithms["deflate"] = true
	}

	for _, algo := range defaultAlgoOrder {
		if c.algorithms[algo] {
			c.algoOrder = append(c.algoOrder, algo)
		}
	}
	for algo := range c.algorithms {
		c.stats[algo] = &AlgorithmStats{}
	}

	if len(cfg.ContentTypes) > 0 {
		for _, ct := range cfg.ContentTypes {
			c.contentTypes[ct] = true
		}
	} else {
		for _, ct := range []string{
			"text/html", "text/css", "text/plain", "text/javascript",
			"application/javascript", "application/json",
			"application/xml", "text/xml", "image/svg+xml",
		} {
			c.contentTypes[ct] = true
		}
	}

	zstdLevel := zstd.SpeedDefault
	if c.level > 0 {
		zstdLevel = zstd.EncoderLevelFromZstd(c.level)
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c
}

// IsEnabled returns whether compression is on.
func (c *Compressor) IsEnabled() bool {
	return c.enabled
}

// parseAcceptEncoding parses Accept-Encoding per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// NegotiateEncoding selects the best algorithm for the request, or "" when
// none fits.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if hasWildcard {
				q = wildcardQ
			} else {
				continue
			}
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	case "deflate":
		level := c.level
		if level > 9 {
			level = 9
		}
		fw, _ := flate.NewWriter(w, level)
		return fw
	default:
		level := c.level
		if level > 9 {
			level = 9
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

func (c *Compressor) isCompressibleType(contentType string) bool {
	if len(c.contentTypes) == 0 {
		return true
	}
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return c.contentTypes[ct]
}

// Stats returns per-algorithm compression statistics.
func (c *Compressor) Stats() map[string]StatsSnapshot {
	out := make(map[string]StatsSnapshot, len(c.stats))
	for algo, s := range c.stats {
		out[algo] = StatsSnapshot{
			BytesIn:  s.BytesIn.Load(),
			BytesOut: s.BytesOut.Load(),
			Count:    s.Count.Load(),
		}
	}
	return out
}

// ResponseWriter wraps an http.ResponseWriter, buffering until the threshold
// decides whether to compress.
type ResponseWriter struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	countWriter   *countWriter
	headerWritten bool
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	bytesIn       int64
}

// NewResponseWriter creates a compressing writer for the negotiated algo.
func NewResponseWriter(w http.ResponseWriter, c *Compressor, algo string) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		compressor:     c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code; the header flush is deferred until
// the compress/plain decision is made.
func (w *ResponseWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code

	if w.decided {
		w.headerWritten = true
		if w.compressing {
			w.ResponseWriter.Header().Del("Content-Length")
			w.ResponseWriter.Header().Set("Content-Encoding", w.algorithm)
			w.ResponseWriter.Header().Add("Vary", "Accept-Encoding")
		}
		w.ResponseWriter.WriteHeader(code)
		return
	}

	ct := w.ResponseWriter.Header().Get("Content-Type")
	if ct != "" && !w.compressor.isCompressibleType(ct) {
		w.decided = true
		w.compressing = false
		w.headerWritten = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)

		ct := w.ResponseWriter.Header().Get("Content-Type")
		if ct != "" && !w.compressor.isCompressibleType(ct) {
			w.decided = true
			w.compressing = false
			w.flushBuffer()
			return len(b), nil
		}

		if len(w.buf) >= w.compressor.threshold {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
			return len(b), nil
		}
		return len(b), nil
	}

	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(b))
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *ResponseWriter) flushBuffer() {
	if !w.headerWritten {
		w.headerWritten = true
		if w.compressing {
			w.ResponseWriter.Header().Del("Content-Length")
			w.ResponseWriter.Header().Set("Content-Encoding", w.algorithm)
			w.ResponseWriter.Header().Add("Vary", "Accept-Encoding")
			cw := &countWriter{w: w.ResponseWriter}
			w.countWriter = cw
			w.encWriter = w.compressor.newEncodingWriter(cw, w.algorithm)
		}
		w.ResponseWriter.WriteHeader(w.statusCode)
	}

	if len(w.buf) > 0 {
		if w.compressing && w.encWriter != nil {
			w.bytesIn += int64(len(w.buf))
			w.encWriter.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// Close finishes compression; must be called after the handler completes.
func (w *ResponseWriter) Close() {
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
		if s, ok := w.compressor.stats[w.algorithm]; ok {
			s.BytesIn.Add(w.bytesIn)
			if w.countWriter != nil {
				s.BytesOut.Add(w.countWriter.n)
			}
			s.Count.Add(1)
		}
	}
}

// Flush implements http.Flusher.
func (w *ResponseWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = len(w.buf) >= w.compressor.threshold
		w.flushBuffer()
	}
	if w.compressing && w.encWriter != nil {
		if f, ok := w.encWriter.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code.
func (w *ResponseWriter) StatusCode() int {
	return w.statusCode
}
