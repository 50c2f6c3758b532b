package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src
}

func TestAssetKey(t *testing.T) {
	if got := AssetKey("a1", "renditions", "/data/encoded/720p/a1.mp4"); got != "a1/renditions/a1.mp4" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestLocalStorePutExistsDeletePrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	src := writeSource(t, "rendition bytes")

	require.NoError(t, store.Put(ctx, "asset-1/renditions/720p.mp4", src, "video/mp4"))
	require.NoError(t, store.Put(ctx, "asset-1/thumbnails/1.png", src, "image/png"))
	require.NoError(t, store.Put(ctx, "asset-2/renditions/720p.mp4", src, "video/mp4"))

	ok, err := store.Exists(ctx, "asset-1/renditions/720p.mp4")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(store.root, "asset-1", "renditions", "720p.mp4"))
	require.NoError(t, err)
	require.Equal(t, "rendition bytes", string(data))

	removed, err := store.DeletePrefix(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	ok, err = store.Exists(ctx, "asset-1/renditions/720p.mp4")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = store.Exists(ctx, "asset-2/renditions/720p.mp4")
	require.NoError(t, err)
	require.True(t, ok)

	removed, err = store.DeletePrefix(ctx, "missing")
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestLocalStoreKeysStayBelowRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	src := writeSource(t, "x")

	require.NoError(t, store.Put(context.Background(), "../../escape.mp4", src, ""))
	_, err = os.Stat(filepath.Join(root, "escape.mp4"))
	require.NoError(t, err)

	require.Error(t, store.Put(context.Background(), "  ", src, ""))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	pageLen int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]string), types: make(map[string]string), pageLen: 2}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = string(body)
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) && key > aws.ToString(in.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if int32(len(keys)) > f.pageLen {
		keys = keys[:f.pageLen]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3StorePutAndExists(t *testing.T) {
	client := newFakeS3()
	store, err := NewS3Store(client, S3Config{Bucket: "media", Prefix: "/mirror/"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a1/renditions/720p.mp4", writeSource(t, "payload"), "video/mp4"))
	require.Equal(t, "payload", client.objects["mirror/a1/renditions/720p.mp4"])
	require.Equal(t, "video/mp4", client.types["mirror/a1/renditions/720p.mp4"])

	ok, err := store.Exists(ctx, "a1/renditions/720p.mp4")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Exists(ctx, "a1/renditions/480p.mp4")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestS3StoreDeletePrefixPaginates(t *testing.T) {
	client := newFakeS3()
	store, err := NewS3Store(client, S3Config{Bucket: "media"})
	require.NoError(t, err)
	ctx := context.Background()
	src := writeSource(t, "x")
	for _, key := range []string{"a1/renditions/1080p.mp4", "a1/renditions/720p.mp4", "a1/renditions/480p.mp4", "a1/thumbnails/1.png", "a10/renditions/720p.mp4"} {
		require.NoError(t, store.Put(ctx, key, src, ""))
	}

	deleted, err := store.DeletePrefix(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 4, deleted)
	require.Len(t, client.objects, 1)
	_, kept := client.objects["a10/renditions/720p.mp4"]
	require.True(t, kept, "prefix delete must not cross asset boundaries")
}

func TestNewS3StoreValidation(t *testing.T) {
	_, err := NewS3Store(nil, S3Config{Bucket: "b"})
	require.Error(t, err)
	_, err = NewS3Store(newFakeS3(), S3Config{})
	require.Error(t, err)
}
