package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliq/ceph/internal/transport"
)

// objectPeer is an in-memory stand-in for a peer region gateway.
type objectPeer struct {
	mu      sync.Mutex
	objects map[string][]byte
	attrs   map[string]http.Header
	queries []string
}

func (p *objectPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, r.URL.RawQuery)

	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		p.objects[r.URL.Path] = body
		p.attrs[r.URL.Path] = r.Header.Clone()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, len(body)))
		w.Header().Set("Rgwx-Mtime", "1700000000")
	case http.MethodGet:
		body, ok := p.objects[r.URL.Path]
		if !ok {
			if r.URL.Path == "/" {
				w.Write([]byte("<ListAllMyBucketsResult/>"))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("NoSuchKey"))
			return
		}
		if v := p.attrs[r.URL.Path].Get("Rgwx-Attr-Owner"); v != "" {
			w.Header().Set("Rgwx-Attr-Owner", v)
		}
		w.Header().Set("ETag", `"stored"`)
		w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte("MethodNotAllowed"))
	}
}

type cliEnv struct {
	peer       *objectPeer
	configFile string
	dir        string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	peer := &objectPeer{objects: map[string][]byte{}, attrs: map[string]http.Header{}}
	server := httptest.NewServer(peer)
	t.Cleanup(server.Close)

	t.Setenv("RGW_SYSTEM_SECRET_KEY", "system-secret")
	dir := t.TempDir()
	configFile := filepath.Join(dir, "rgw.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(fmt.Sprintf(`
gateway:
  region: us-east
system:
  access_key: SYSTEMAK
regions:
  - name: us-west
    endpoints: [%q]
  - name: eu-central
`, server.URL)), 0o600))

	return &cliEnv{peer: peer, configFile: configFile, dir: dir}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(append([]string{"--config", e.configFile}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRegionsCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "regions")
	require.NoError(t, err)
	assert.Contains(t, out, "Local region:  us-east")
	assert.Contains(t, out, "eu-central  (none)")
	assert.Contains(t, out, "us-west")

	out, _, err = env.run(t, "regions", "-o", "json")
	require.NoError(t, err)
	var list regionList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, "us-east", list.Local)
	require.Len(t, list.Upstreams, 2)
	assert.Equal(t, "eu-central", list.Upstreams[0].Name)
}

func TestPutAndGetCommands(t *testing.T) {
	env := newCLIEnv(t)

	src := filepath.Join(env.dir, "cat.txt")
	require.NoError(t, os.WriteFile(src, []byte("meow meow"), 0o600))

	out, _, err := env.run(t, "put", "us-west", "photos/cats/cat.txt", src,
		"--uid", "alice", "--attr", "owner=alice", "-o", "json")
	require.NoError(t, err)

	var put objectResult
	require.NoError(t, json.Unmarshal([]byte(out), &put))
	assert.Equal(t, "etag-9", put.ETag)
	assert.Equal(t, int64(9), put.Size)
	assert.Equal(t, int64(1700000000), put.Mtime.Unix())
	assert.Equal(t, "us-west", put.Region)

	dst := filepath.Join(env.dir, "copy.txt")
	out, _, err = env.run(t, "get", "us-west", "photos/cats/cat.txt", dst, "--uid", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ETag:")
	assert.Contains(t, out, "owner:")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "meow meow", string(got))

	stdout, stderr, err := env.run(t, "get", "us-west", "photos/cats/cat.txt", "--uid", "alice", "--prepend-metadata")
	require.NoError(t, err)
	assert.Equal(t, "meow meow", stdout)
	assert.Contains(t, stderr, "stored")

	env.peer.mu.Lock()
	defer env.peer.mu.Unlock()
	last := env.peer.queries[len(env.peer.queries)-1]
	assert.Contains(t, last, "rgwx-prepend-metadata=true")
	assert.Contains(t, last, "rgwx-uid=alice")
	assert.Contains(t, last, "rgwx-region=us-east")
}

func TestForwardCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "forward", "us-west", "get", "/", "--uid", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP 200 OK")
	assert.Contains(t, out, "<ListAllMyBucketsResult/>")

	out, _, err = env.run(t, "forward", "us-west", "DELETE", "/photos?versionId=1", "--uid", "alice", "-o", "json")
	require.Error(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, transport.StatusCode(err))
	var res forwardResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "MethodNotAllowed", res.Body)
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing uid", []string{"forward", "us-west", "GET", "/"}, "--uid is required"},
		{"unknown region", []string{"forward", "mars", "GET", "/", "--uid", "a"}, "unknown upstream region"},
		{"no endpoints", []string{"forward", "eu-central", "GET", "/", "--uid", "a"}, "endpoints not configured"},
		{"bad object", []string{"get", "us-west", "nokey", "--uid", "a"}, "want bucket/key"},
		{"missing object", []string{"get", "us-west", "b/missing", "--uid", "a"}, "404"},
		{"bad header", []string{"forward", "us-west", "GET", "/", "--uid", "a", "-H", "broken"}, "invalid header"},
		{"bad format", []string{"regions", "-o", "yaml"}, "invalid output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretKeyIsReadFromEnvOnly(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.configFile, []byte(`
gateway:
  region: us-east
system:
  access_key: SYSTEMAK
  secret_key: from-file
`), 0o600))
	t.Setenv("RGW_SYSTEM_SECRET_KEY", "")

	_, _, err := env.run(t, "regions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RGW_SYSTEM_SECRET_KEY")
}

func TestMissingConfigFile(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "regions"})
	require.Error(t, cmd.Execute())
}

func TestParseObject(t *testing.T) {
	obj, err := parseObject("photos/2024/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, transport.Object{Bucket: "photos", Key: "2024/cat.jpg"}, obj)

	obj, err = parseObject("/photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photos", obj.Bucket)

	for _, bad := range []string{"", "photos", "photos/", "/cat.jpg"} {
		_, err := parseObject(bad)
		assert.Error(t, err, bad)
	}
}
