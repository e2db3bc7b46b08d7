package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sunbk201/idmask/internal/config"
	"github.com/sunbk201/idmask/internal/idmap"
	"github.com/sunbk201/idmask/internal/log"
	"github.com/sunbk201/idmask/internal/rewrite"
	"github.com/sunbk201/idmask/internal/route"
	"github.com/sunbk201/idmask/internal/sniff"
	"github.com/sunbk201/idmask/internal/statistics"
)

// Recorder receives per-request statistics. *statistics.Recorder
// implements it.
type Recorder interface {
	AddRewriteRecord(*statistics.RewriteRecord)
	AddPassThroughRecord(*statistics.PassThroughRecord)
	AddRequest(*statistics.RequestRecord)
	RemoveRequest(*statistics.RequestRecord)
}

type nopRecorder struct{}

func (nopRecorder) AddRewriteRecord(*statistics.RewriteRecord)         {}
func (nopRecorder) AddPassThroughRecord(*statistics.PassThroughRecord) {}
func (nopRecorder) AddRequest(*statistics.RequestRecord)               {}
func (nopRecorder) RemoveRequest(*statistics.RequestRecord)            {}

type sessionKey struct{}

// Proxy routes requests by path prefix and rewrites element ids in the
// HTML documents it relays.
type Proxy struct {
	table       *route.Table
	store       *idmap.Store
	scope       config.IDScope
	storeOpts   []idmap.Option
	maxBodySize int64
	cache       *expirable.LRU[[sha256.Size]byte, rewrite.Result]
	cacheMax    int64
	recorder    Recorder
	rp          *httputil.ReverseProxy
	nextID      atomic.Uint64
}

// New builds a Proxy from cfg. store is the shared mapping table used in
// the global scope; recorder may be nil.
func New(cfg *config.Config, store *idmap.Store, recorder Recorder) *Proxy {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	p := &Proxy{
		table:       cfg.RouteTable(),
		store:       store,
		scope:       cfg.Mapping.Scope,
		storeOpts:   []idmap.Option{idmap.WithPrefix(cfg.Mapping.Prefix)},
		maxBodySize: cfg.MaxBodySize,
		recorder:    recorder,
	}
	if p.scope == "" {
		p.scope = config.IDScopeGlobal
	}
	if p.scope == config.IDScopeGlobal && cfg.RewriteCache.Size > 0 {
		p.cache = expirable.NewLRU[[sha256.Size]byte, rewrite.Result](
			cfg.RewriteCache.Size, nil, cfg.RewriteCache.TTL)
		p.cacheMax = cfg.RewriteCache.MaxEntrySize
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:        p.rewriteRequest,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
		ErrorLog:       slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return p
}

// Table returns the route table the proxy serves.
func (p *Proxy) Table() *route.Table { return p.table }

// Store returns the shared mapping table.
func (p *Proxy) Store() *idmap.Store { return p.store }

func (p *Proxy) Scope() config.IDScope { return p.scope }

// SetTransport replaces the upstream round tripper.
func (p *Proxy) SetTransport(rt http.RoundTripper) {
	p.rp.Transport = rt
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sess := NewSession(p.maxBodySize)
	target, err := sess.Route(p.table, req.URL.Path)
	if err != nil {
		p.handleRoutingError(w, req, err)
		return
	}

	rec := &statistics.RequestRecord{
		ID:        p.nextID.Add(1),
		Route:     sess.Matched().Name,
		Method:    req.Method,
		Path:      req.URL.Path,
		SrcAddr:   req.RemoteAddr,
		StartTime: time.Now(),
	}
	p.recorder.AddRequest(rec)
	defer p.recorder.RemoveRequest(rec)

	log.LogDebugWithRoute(sess.Matched().Name, req.URL.Path, "Routing request",
		slog.String("upstream", target.Addr()), slog.String("upstream_path", target.Path))

	ctx := context.WithValue(req.Context(), sessionKey{}, sess)
	p.rp.ServeHTTP(w, req.WithContext(ctx))
}

func sessionFrom(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

func (p *Proxy) rewriteRequest(pr *httputil.ProxyRequest) {
	sess := sessionFrom(pr.In.Context())
	target := sess.Target()

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Addr()
	pr.Out.URL.Path = target.Path
	pr.Out.URL.RawPath = upstreamRawPath(sess.Matched().Context, pr.In.URL, target.Path)
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = target.HostHeader()
	pr.SetXForwarded()

	// the body must arrive uncompressed to be rewritten
	pr.Out.Header.Del("Accept-Encoding")
}

// upstreamRawPath keeps the client's encoding of the stripped path, so
// "/api/a%2Fb" reaches the backend as "/a%2Fb". It returns "" when the
// escaped form does not decode to path.
func upstreamRawPath(prefix string, in *url.URL, path string) string {
	escaped := in.EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return ""
	}
	raw := route.StripContext(prefix, escaped)
	if unescaped, err := url.PathUnescape(raw); err != nil || unescaped != path {
		return ""
	}
	return raw
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	sess := sessionFrom(resp.Request.Context())
	name, path := sess.Matched().Name, resp.Request.URL.Path

	verdict := sniff.Classify(resp.Request.Method, resp.StatusCode, resp.Header)
	var body io.Reader = resp.Body
	if verdict == sniff.Unknown {
		br := bufio.NewReader(resp.Body)
		isHTML, err := sniff.SniffHTML(br)
		if err != nil {
			sess.Abort(err)
			_ = resp.Body.Close()
			return fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
		}
		verdict = sniff.NotHTML
		if isHTML {
			verdict = sniff.HTML
		}
		body = br
		resp.Body = struct {
			io.Reader
			io.Closer
		}{br, resp.Body}
	}

	if verdict != sniff.HTML {
		log.LogDebugWithRoute(name, path, "Passing through", slog.String("reason", string(verdict)))
		p.recorder.AddPassThroughRecord(&statistics.PassThroughRecord{
			Route:    name,
			Reason:   statistics.PassReason(verdict),
			LastPath: path,
		})
		return nil
	}

	if p.maxBodySize > 0 && resp.ContentLength > p.maxBodySize {
		_ = resp.Body.Close()
		return sess.fail(ErrBodyTooLarge)
	}

	_, err := io.Copy(sess, body)
	if cerr := resp.Body.Close(); cerr != nil {
		slog.Debug("resp.Body.Close", slog.Any("error", cerr))
	}
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return err
		}
		sess.Abort(err)
		return fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
	}

	emitted, err := sess.Finish(p.rewriteFunc())
	if err != nil {
		return err
	}
	if emitted.Err != nil {
		log.LogWarnWithRoute(name, path, "Rewrite failed, passing original body", slog.Any("error", emitted.Err))
		p.recorder.AddPassThroughRecord(&statistics.PassThroughRecord{
			Route:    name,
			Reason:   statistics.PassRewriteFailed,
			LastPath: path,
		})
	} else {
		log.LogDebugWithRoute(name, path, "Rewrote document", slog.Int("ids", emitted.IDs))
		p.recorder.AddRewriteRecord(&statistics.RewriteRecord{
			Route:    name,
			IDs:      emitted.IDs,
			Bytes:    int64(len(emitted.Body)),
			LastPath: path,
		})
	}

	resp.Body = io.NopCloser(bytes.NewReader(emitted.Body))
	resp.ContentLength = int64(len(emitted.Body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(emitted.Body)))
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	return nil
}

// rewriteFunc returns the transform for one response. In the document
// scope every response gets a fresh table.
func (p *Proxy) rewriteFunc() RewriteFunc {
	if p.scope == config.IDScopeDocument {
		return rewrite.New(idmap.New(p.storeOpts...)).Rewrite
	}
	rw := rewrite.New(p.store)
	if p.cache == nil {
		return rw.Rewrite
	}
	return func(doc []byte) (rewrite.Result, error) {
		if p.cacheMax > 0 && int64(len(doc)) > p.cacheMax {
			return rw.Rewrite(doc)
		}
		key := sha256.Sum256(doc)
		if res, ok := p.cache.Get(key); ok {
			return res, nil
		}
		res, err := rw.Rewrite(doc)
		if err != nil {
			return res, err
		}
		p.cache.Add(key, res)
		return res, nil
	}
}

func (p *Proxy) handleRoutingError(w http.ResponseWriter, req *http.Request, err error) {
	var invalid *route.InvalidTargetError
	switch {
	case errors.Is(err, route.ErrNoRoute):
		slog.Info("No matching route", slog.String("path", req.URL.Path))
		http.Error(w, "no matching route", http.StatusBadGateway)
	case errors.As(err, &invalid):
		log.LogErrorWithRoute(invalid.Route, req.URL.Path, "Invalid route target", slog.Any("error", err))
		http.Error(w, "invalid upstream target", http.StatusBadGateway)
	default:
		slog.Error("Routing failed", slog.String("path", req.URL.Path), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, req *http.Request, err error) {
	sess := sessionFrom(req.Context())
	name := ""
	if sess != nil {
		name = sess.Matched().Name
		sess.Abort(err)
	}

	switch {
	case errors.Is(err, ErrBodyTooLarge):
		log.LogWarnWithRoute(name, req.URL.Path, "Response body too large", slog.Int64("limit", p.maxBodySize))
	case errors.Is(err, context.Canceled):
		log.LogDebugWithRoute(name, req.URL.Path, "Client went away", slog.Any("error", err))
	default:
		if !errors.Is(err, ErrUpstreamConnect) {
			err = fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
		}
		log.LogErrorWithRoute(name, req.URL.Path, "Upstream failed", slog.Any("error", err))
	}
	w.WriteHeader(http.StatusBadGateway)
}
