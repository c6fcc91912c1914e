package indexing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ledongthuc/pdf"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"golang.org/x/net/html"
)

// droppedTags are stripped entirely (including their text content) before
// conversion to markdown — navigation chrome, scripts, and styling carry no
// retrievable content.
var droppedTags = map[string]bool{
	"nav": true, "script": true, "style": true, "noscript": true,
	"header": true, "footer": true, "aside": true, "img": true, "svg": true,
}

// convert turns a raw ingested Document into markdown text ready for
// chunking. text/markdown pass through unchanged; html is cleaned then
// converted; pdf is text-extracted; url is fetched (guarded against SSRF)
// then treated as html.
func convert(ctx context.Context, doc *model.Document) (string, error) {
	switch doc.Type {
	case model.DocumentText, model.DocumentMarkdown:
		return doc.Content, nil
	case model.DocumentHTML:
		return htmlToMarkdown(doc.Content)
	case model.DocumentPDF:
		return pdfToText([]byte(doc.Content))
	case model.DocumentURL:
		body, err := fetchURL(ctx, doc.Content)
		if err != nil {
			return "", err
		}
		return htmlToMarkdown(body)
	default:
		return "", errs.New(errs.IndexingFailed, fmt.Sprintf("unsupported document type %q", doc.Type))
	}
}

func htmlToMarkdown(rawHTML string) (string, error) {
	cleaned, err := stripNoiseNodes(rawHTML)
	if err != nil {
		return "", errs.Wrap(errs.IndexingFailed, "clean html", err)
	}

	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(cleaned)
	if err != nil {
		return "", errs.Wrap(errs.IndexingFailed, "convert html to markdown", err)
	}
	return out, nil
}

// stripNoiseNodes parses the document and re-serializes it with
// droppedTags (and their subtrees) removed.
func stripNoiseNodes(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}
	pruneNoise(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func pruneNoise(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && droppedTags[c.Data] {
			n.RemoveChild(c)
			continue
		}
		pruneNoise(c)
	}
}

func pdfToText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", errs.Wrap(errs.IndexingFailed, "open pdf", err)
	}

	reader, err := r.GetPlainText()
	if err != nil {
		return "", errs.Wrap(errs.IndexingFailed, "extract pdf text", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", errs.Wrap(errs.IndexingFailed, "read pdf text", err)
	}
	return buf.String(), nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// fetchURL retrieves a connector/document source URL, refusing path
// traversal segments and refusing to resolve to loopback, link-local, or
// private address ranges so a caller-supplied URL can't be used to reach
// internal infrastructure.
func fetchURL(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.New(errs.InvalidRequest, "invalid document url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errs.New(errs.InvalidRequest, "document url must be http(s)")
	}
	if containsPathTraversal(raw) || containsPathTraversal(u.EscapedPath()) {
		return "", errs.New(errs.InvalidRequest, "document url must not contain path traversal segments")
	}
	if err := guardAgainstPrivateHost(u.Hostname()); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "fetch document url", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.ConnectorFailed, fmt.Sprintf("document url returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "read document url body", err)
	}
	return string(body), nil
}

// containsPathTraversal rejects "/../" and "/./" segments (and a trailing
// "/.." or "/."), however they're positioned in the URL, before it's ever
// handed to net/http.
func containsPathTraversal(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return true
		}
	}
	return false
}

func guardAgainstPrivateHost(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, "resolve document url host", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errs.New(errs.InvalidRequest, "document url resolves to a disallowed address")
		}
	}
	return nil
}
