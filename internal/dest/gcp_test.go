package dest

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// mockGCSClient is an in-memory GCSAPI. Every write bumps a per-object
// generation counter.
type mockGCSClient struct {
	mu sync.Mutex

	objects     map[string][]byte
	generations map[string]int64

	composeCalls int
	deleteCalls  int
	metadata     map[string]map[string]string
	contentTypes map[string]string
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		objects:      make(map[string][]byte),
		generations:  make(map[string]int64),
		metadata:     make(map[string]map[string]string),
		contentTypes: make(map[string]string),
	}
}

// applyMeta records writer/compose metadata on an object. Callers hold the
// lock.
func (m *mockGCSClient) applyMeta(object string, meta *PutMetadata) {
	if meta == nil {
		return
	}
	m.contentTypes[object] = meta.ContentType
	if len(meta.UserMetadata) > 0 {
		md := make(map[string]string, len(meta.UserMetadata))
		for k, v := range meta.UserMetadata {
			md[k] = v
		}
		m.metadata[object] = md
	}
}

type mockGCSWriter struct {
	client *mockGCSClient
	object string
	meta   *PutMetadata
	buf    bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	w.client.mu.Lock()
	defer w.client.mu.Unlock()
	w.client.objects[w.object] = append([]byte(nil), w.buf.Bytes()...)
	w.client.generations[w.object]++
	w.client.applyMeta(w.object, w.meta)
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string, meta *PutMetadata) io.WriteCloser {
	return &mockGCSWriter{client: m, object: object, meta: meta}
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if _, ok := m.objects[object]; !ok {
		return fmt.Errorf("storage: object %q not found", object)
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return nil, fmt.Errorf("storage: object %q not found", object)
	}
	sum := md5.Sum(data)
	return &GCSAttrs{Size: int64(len(data)), MD5: sum[:], Generation: m.generations[object], Metadata: m.metadata[object]}, nil
}

func (m *mockGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, meta *PutMetadata) (*GCSAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composeCalls++
	if len(srcObjects) > maxComposeSources {
		return nil, fmt.Errorf("storage: too many compose sources (%d)", len(srcObjects))
	}
	var assembled []byte
	for _, name := range srcObjects {
		data, ok := m.objects[name]
		if !ok {
			return nil, fmt.Errorf("storage: object %q not found", name)
		}
		assembled = append(assembled, data...)
	}
	m.objects[dstObject] = assembled
	m.generations[dstObject]++
	m.applyMeta(dstObject, meta)
	sum := md5.Sum(assembled)
	return &GCSAttrs{Size: int64(len(assembled)), MD5: sum[:], Generation: m.generations[dstObject]}, nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *mockGCSClient) UpdateMetadata(ctx context.Context, bucket, object string, metadata map[string]string) (*GCSAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return nil, fmt.Errorf("storage: object %q not found", object)
	}
	// Match the SDK update contract: nil leaves metadata unchanged, a
	// non-nil map replaces it.
	if metadata != nil {
		md := make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
		m.metadata[object] = md
	}
	return &GCSAttrs{Size: int64(len(data)), Generation: m.generations[object], Metadata: m.metadata[object]}, nil
}

func (m *mockGCSClient) objectCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

func TestGCPBackendPutObjectReturnsGeneration(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)

	versionID, err := b.PutObject(context.Background(), "b", "k", strings.NewReader("data"), 4, nil)
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if versionID != "1" {
		t.Errorf("versionID = %q, want generation 1", versionID)
	}
	if got := client.objects["b/k"]; !bytes.Equal(got, []byte("data")) {
		t.Errorf("stored %q at b/k", got)
	}
}

func TestGCPBackendPartStaging(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	uploadID, err := b.InitiateMPU(ctx, "b", "k", nil)
	if err != nil {
		t.Fatalf("InitiateMPU: %v", err)
	}

	part, err := b.PutMPUPart(ctx, "b", "k", uploadID, 3, strings.NewReader("chunk"), 5)
	if err != nil {
		t.Fatalf("PutMPUPart: %v", err)
	}
	want := fmt.Sprintf("%x", md5.Sum([]byte("chunk")))
	if part.ETag != want {
		t.Errorf("ETag = %q, want md5 %q", part.ETag, want)
	}

	name := fmt.Sprintf(".parts/%s/%05d", uploadID, 3)
	if got := client.objects[name]; !bytes.Equal(got, []byte("chunk")) {
		t.Errorf("part object %q = %q", name, got)
	}
}

func TestGCPBackendCompleteSmall(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	uploadID, _ := b.InitiateMPU(ctx, "b", "k", nil)
	var parts []Part
	for i, chunk := range []string{"aa", "bb"} {
		p, err := b.PutMPUPart(ctx, "b", "k", uploadID, i+1, strings.NewReader(chunk), 2)
		if err != nil {
			t.Fatalf("PutMPUPart %d: %v", i+1, err)
		}
		parts = append(parts, p)
	}

	versionID, err := b.CompleteMPU(ctx, "b", "k", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMPU: %v", err)
	}
	if versionID != "1" {
		t.Errorf("versionID = %q, want 1", versionID)
	}
	if got := client.objects["b/k"]; !bytes.Equal(got, []byte("aabb")) {
		t.Errorf("assembled %q, want aabb", got)
	}
	if n := client.objectCount(".parts/"); n != 0 {
		t.Errorf("%d staged parts left after complete", n)
	}
}

func TestGCPBackendCompleteChainedCompose(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	uploadID, _ := b.InitiateMPU(ctx, "b", "k", nil)
	var want []byte
	var parts []Part
	for i := 0; i < 40; i++ {
		chunk := fmt.Sprintf("p%02d", i)
		want = append(want, chunk...)
		p, err := b.PutMPUPart(ctx, "b", "k", uploadID, i+1, strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("PutMPUPart %d: %v", i+1, err)
		}
		parts = append(parts, p)
	}

	versionID, err := b.CompleteMPU(ctx, "b", "k", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMPU: %v", err)
	}
	if versionID == "" {
		t.Error("empty versionID")
	}
	if got := client.objects["b/k"]; !bytes.Equal(got, want) {
		t.Errorf("assembled %d bytes, want %d and equal content", len(got), len(want))
	}
	// 40 parts: one 32-way intermediate plus a final compose of 9 sources.
	if client.composeCalls != 2 {
		t.Errorf("compose calls = %d, want 2", client.composeCalls)
	}
	if n := client.objectCount(".parts/"); n != 0 {
		t.Errorf("%d staged parts left after complete", n)
	}
	if n := client.objectCount("b/k.__compose_tmp_"); n != 0 {
		t.Errorf("%d compose intermediates left after complete", n)
	}
}

func TestGCPBackendAbortDeletesParts(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	uploadID, _ := b.InitiateMPU(ctx, "b", "k", nil)
	for i := 1; i <= 3; i++ {
		if _, err := b.PutMPUPart(ctx, "b", "k", uploadID, i, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutMPUPart %d: %v", i, err)
		}
	}

	if err := b.AbortMPU(ctx, "b", "k", uploadID); err != nil {
		t.Fatalf("AbortMPU: %v", err)
	}
	if n := client.objectCount(".parts/" + uploadID + "/"); n != 0 {
		t.Errorf("%d staged parts left after abort", n)
	}
}

func TestGCPBackendDeleteIdempotent(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)

	if err := b.DeleteObject(context.Background(), "b", "missing"); err != nil {
		t.Errorf("DeleteObject of missing object: %v", err)
	}
}

func TestGCPBackendTaggingKeepsVersion(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	if _, err := b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	versionID, err := b.PutObjectTagging(ctx, "b", "k", "gen-7", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("PutObjectTagging: %v", err)
	}
	if versionID != "gen-7" {
		t.Errorf("versionID = %q, want gen-7 unchanged", versionID)
	}
	if got := client.metadata["b/k"]["tag-env"]; got != "prod" {
		t.Errorf("metadata tag-env = %q, want prod", got)
	}

	versionID, err = b.DeleteObjectTagging(ctx, "b", "k", "gen-7")
	if err != nil {
		t.Fatalf("DeleteObjectTagging: %v", err)
	}
	if versionID != "gen-7" {
		t.Errorf("versionID = %q after tag delete, want gen-7", versionID)
	}
	if got := client.metadata["b/k"]; len(got) != 0 {
		t.Errorf("metadata = %v after tag delete, want empty", got)
	}
}

func TestGCPBackendDeleteTaggingPreservesMetadata(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	meta := &PutMetadata{UserMetadata: map[string]string{"color": "blue"}}
	if _, err := b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, meta); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if _, err := b.PutObjectTagging(ctx, "b", "k", "gen-1", map[string]string{"env": "prod"}); err != nil {
		t.Fatalf("PutObjectTagging: %v", err)
	}
	if got := client.metadata["b/k"]; got["tag-env"] != "prod" || got["color"] != "blue" {
		t.Fatalf("metadata after tagging = %v", got)
	}

	if _, err := b.DeleteObjectTagging(ctx, "b", "k", "gen-1"); err != nil {
		t.Fatalf("DeleteObjectTagging: %v", err)
	}
	got := client.metadata["b/k"]
	if _, ok := got["tag-env"]; ok {
		t.Errorf("tag-env survived tag delete: %v", got)
	}
	if got["color"] != "blue" {
		t.Errorf("metadata color = %q after tag delete, want blue", got["color"])
	}
}

func TestGCPBackendPutObjectCarriesMetadata(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)

	meta := &PutMetadata{ContentType: "image/png", UserMetadata: map[string]string{"color": "blue"}}
	if _, err := b.PutObject(context.Background(), "b", "k", strings.NewReader("x"), 1, meta); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if got := client.contentTypes["b/k"]; got != "image/png" {
		t.Errorf("content type = %q, want image/png", got)
	}
	if got := client.metadata["b/k"]["color"]; got != "blue" {
		t.Errorf("metadata color = %q, want blue", got)
	}
}

func TestGCPBackendCompleteAppliesInitMetadata(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCPBackendWithClient("gsite", "upstream", client)
	ctx := context.Background()

	meta := &PutMetadata{ContentType: "video/mp4", UserMetadata: map[string]string{"origin": "cam-1"}}
	uploadID, _ := b.InitiateMPU(ctx, "b", "k", meta)
	var parts []Part
	for i, chunk := range []string{"aa", "bb"} {
		p, err := b.PutMPUPart(ctx, "b", "k", uploadID, i+1, strings.NewReader(chunk), 2)
		if err != nil {
			t.Fatalf("PutMPUPart %d: %v", i+1, err)
		}
		parts = append(parts, p)
	}
	if _, err := b.CompleteMPU(ctx, "b", "k", uploadID, parts); err != nil {
		t.Fatalf("CompleteMPU: %v", err)
	}
	if got := client.contentTypes["b/k"]; got != "video/mp4" {
		t.Errorf("content type = %q, want video/mp4", got)
	}
	if got := client.metadata["b/k"]["origin"]; got != "cam-1" {
		t.Errorf("metadata origin = %q, want cam-1", got)
	}
}
