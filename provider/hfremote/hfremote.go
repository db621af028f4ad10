// Package hfremote implements the HuggingFace-style HTTP provider
// adapter: model-listing over a JSON API, a whitelisted ranged file
// fetch, and a HEAD/Range-based size probe. Watching is unsupported.
/*
 * Follows the cloud-client shape used elsewhere in this codebase for
 * the "list via API call, read via ranged GET, probe via HEAD" split,
 * sharing one *http.Client and checking response status before
 * reading the body.
 */
package hfremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/provider"
)

const ProviderType = "huggingface"

const defaultEndpoint = "https://huggingface.co"

// whitelist of filenames that are always safe to fetch, independent of
// the model being mounted: tokenizer/config sidecars shipped with
// nearly every repository on the hub.
var whitelistFilenames = map[string]struct{}{
	"config.json":             {},
	"tokenizer.json":          {},
	"tokenizer_config.json":   {},
	"special_tokens_map.json": {},
	"vocab.json":              {},
	"merges.txt":              {},
	"generation_config.json":  {},
	"README.md":               {},
}

// canonicalArtifactSuffixes are extensions for the model weights
// themselves and their data sidecars; any sibling file ending in one
// of these is whitelisted regardless of its basename.
var canonicalArtifactSuffixes = []string{
	".safetensors", ".bin", ".gguf", ".onnx", ".msgpack", ".h5", ".index.json",
}

func isWhitelisted(sourceRef string) bool {
	base := path.Base(sourceRef)
	if _, ok := whitelistFilenames[base]; ok {
		return true
	}
	for _, suf := range canonicalArtifactSuffixes {
		if strings.HasSuffix(base, suf) {
			return true
		}
	}
	return false
}

// Adapter is the HuggingFace-style remote provider.
type Adapter struct {
	mountID  string
	model    string
	endpoint string
	client   *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds a remote adapter; providerExtra must carry a non-empty
// "model"; "endpoint" defaults to the vendor host when absent.
func New(mountID string, providerExtra map[string]string) (provider.Adapter, error) {
	model := providerExtra["model"]
	if model == "" {
		return nil, cos.NewErrConfigInvalid("huggingface provider requires a non-empty %q", "model")
	}
	endpoint := defaultEndpoint
	if v, ok := providerExtra["endpoint"]; ok {
		if v == "" {
			return nil, cos.NewErrConfigInvalid("huggingface provider %q must be non-empty when supplied", "endpoint")
		}
		endpoint = strings.TrimSuffix(v, "/")
	}
	return &Adapter{
		mountID:  mountID,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Type() string { return ProviderType }

func (a *Adapter) Capabilities() provider.Capabilities { return provider.Capabilities{Watch: false} }

// listingFile is one entry in the hub's model-listing payload.
type listingFile struct {
	Path string `json:"rfilename"`
	Size *int64 `json:"size,omitempty"`
}

type listingResponse struct {
	Siblings []listingFile `json:"siblings"`
}

func (a *Adapter) modelsURL() string {
	segs := strings.Split(a.model, "/")
	encoded := make([]string, len(segs))
	for i, s := range segs {
		encoded[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/api/models/%s", a.endpoint, strings.Join(encoded, "/"))
}

func (a *Adapter) fetchListing(ctx context.Context) (listingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.modelsURL(), nil)
	if err != nil {
		return listingResponse{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return listingResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return listingResponse{}, cos.NewErrRemoteFetchFailed(a.modelsURL(), resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return listingResponse{}, err
	}
	if len(body) == 0 {
		return listingResponse{}, cos.NewErrEmptyResponseBody(a.modelsURL())
	}
	var lr listingResponse
	if err := jsoniter.Unmarshal(body, &lr); err != nil {
		return listingResponse{}, fmt.Errorf("decoding model listing: %w", err)
	}
	return lr, nil
}

// buildTree expands the flat sibling list into every ListItem directly
// reachable under any folder prefix — files at their own path, plus a
// synthesized folder ListItem for every distinct prefix directory.
func buildTree(files []listingFile) []node.ListItem {
	folderSeen := make(map[string]struct{})
	var items []node.ListItem
	for _, f := range files {
		if !isWhitelisted(f.Path) {
			continue
		}
		items = append(items, node.ListItem{
			SourceRef:       f.Path,
			ParentSourceRef: parentOf(f.Path),
			Name:            path.Base(f.Path),
			Kind:            node.KindFile,
			Size:            f.Size,
		})
		dir := path.Dir(f.Path)
		for dir != "." && dir != "/" {
			if _, ok := folderSeen[dir]; !ok {
				folderSeen[dir] = struct{}{}
				items = append(items, node.ListItem{
					SourceRef:       dir,
					ParentSourceRef: parentOf(dir),
					Name:            path.Base(dir),
					Kind:            node.KindFolder,
				})
			}
			dir = path.Dir(dir)
		}
	}
	return items
}

func parentOf(sourceRef string) *string {
	dir := path.Dir(sourceRef)
	if dir == "." || dir == "/" {
		return nil
	}
	return &dir
}

func (a *Adapter) ListChildren(ctx context.Context, args provider.ListChildrenArgs) (provider.ListChildrenResult, error) {
	lr, err := a.fetchListing(ctx)
	if err != nil {
		return provider.ListChildrenResult{}, err
	}
	all := buildTree(lr.Siblings)

	var direct []node.ListItem
	for _, it := range all {
		switch {
		case args.ParentRef == nil && it.ParentSourceRef == nil:
			direct = append(direct, it)
		case args.ParentRef != nil && it.ParentSourceRef != nil && *it.ParentSourceRef == *args.ParentRef:
			direct = append(direct, it)
		}
	}
	sort.SliceStable(direct, func(i, j int) bool {
		ik, jk := kindRank(direct[i].Kind), kindRank(direct[j].Kind)
		if ik != jk {
			return ik < jk
		}
		return direct[i].Name < direct[j].Name
	})

	start := 0
	if args.Cursor != nil {
		start, err = strconv.Atoi(*args.Cursor)
		if err != nil || start < 0 {
			return provider.ListChildrenResult{}, cos.NewErrMalformedCursor("huggingface provider cursor must be a non-negative integer")
		}
	}
	if start > len(direct) {
		start = len(direct)
	}
	end := start + args.Limit
	if end > len(direct) {
		end = len(direct)
	}
	page := direct[start:end]
	var next *string
	if end < len(direct) {
		tok := strconv.Itoa(end)
		next = &tok
	}
	return provider.ListChildrenResult{Items: page, NextCursor: next}, nil
}

func kindRank(kind string) int {
	if kind == node.KindFile {
		return 0
	}
	return 1
}

func (a *Adapter) resolveURL(sourceRef string) string {
	segs := strings.Split(sourceRef, "/")
	encoded := make([]string, len(segs))
	for i, s := range segs {
		encoded[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/main/%s", a.endpoint, a.model, strings.Join(encoded, "/"))
}

func (a *Adapter) CreateReadStream(ctx context.Context, args provider.ReadStreamArgs) (io.ReadCloser, error) {
	if !isWhitelisted(args.ID) {
		return nil, cos.NewErrWhitelistViolation(args.ID)
	}
	reqURL := a.resolveURL(args.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if args.Offset != nil {
		rangeHdr := fmt.Sprintf("bytes=%d-", *args.Offset)
		if args.Length != nil {
			rangeHdr = fmt.Sprintf("bytes=%d-%d", *args.Offset, *args.Offset+*args.Length-1)
		}
		req.Header.Set("Range", rangeHdr)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, cos.NewErrRemoteFetchFailed(reqURL, resp.StatusCode)
	}
	if resp.ContentLength == 0 {
		resp.Body.Close()
		return nil, cos.NewErrEmptyResponseBody(reqURL)
	}
	return resp.Body, nil
}

func (a *Adapter) GetMetadata(ctx context.Context, sourceRef string) (*node.ListItem, error) {
	reqURL := a.resolveURL(sourceRef)

	size, err := a.headSize(ctx, reqURL)
	if err != nil {
		size, err = a.rangeProbeSize(ctx, reqURL)
	}
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node.ListItem{
		SourceRef:       sourceRef,
		ParentSourceRef: parentOf(sourceRef),
		Name:            path.Base(sourceRef),
		Kind:            node.KindFile,
		Size:            &size,
	}, nil
}

var errNotFound = errors.New("remote ref not found")

func (a *Adapter) headSize(ctx context.Context, reqURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, reqURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, cos.NewErrRemoteFetchFailed(reqURL, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("HEAD %s did not report a content length", reqURL)
	}
	return resp.ContentLength, nil
}

func (a *Adapter) rangeProbeSize(ctx context.Context, reqURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errNotFound
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, cos.NewErrRemoteFetchFailed(reqURL, resp.StatusCode)
	}
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return 0, fmt.Errorf("range probe of %s returned no Content-Range header", reqURL)
	}
	idx := strings.LastIndexByte(cr, '/')
	if idx < 0 || idx == len(cr)-1 {
		return 0, fmt.Errorf("malformed Content-Range header %q", cr)
	}
	total, err := strconv.ParseInt(cr[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range header %q: %w", cr, err)
	}
	return total, nil
}

func (a *Adapter) Watch(context.Context, func(provider.WatchEvent)) (*provider.Watch, error) {
	return nil, provider.ErrNotSupported
}
